// Package jobdefs holds concrete queue.Definition instances wiring the
// scheduler to real work: calling out to an LLM via modeladapter, and
// reacting to filesystem changes by notifying a turn, which is interrupted
// when the job is canceled.
package jobdefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmillpps/codex-manager/modeladapter"
	"github.com/jmillpps/codex-manager/queue"
)

const suggestReplyPayloadSchema = `{
	"type": "object",
	"required": ["threadId", "transcript"],
	"properties": {
		"threadId": {"type": "string", "minLength": 1},
		"transcript": {"type": "string", "minLength": 1},
		"model": {"type": "string"}
	}
}`

const suggestReplyResultSchema = `{
	"type": "object",
	"required": ["suggestion"],
	"properties": {
		"suggestion": {"type": "string"}
	}
}`

// SuggestReplyPayload is the Enqueue payload shape for "suggest_reply".
type SuggestReplyPayload struct {
	ThreadID   string `json:"threadId"`
	Transcript string `json:"transcript"`
	Model      string `json:"model,omitempty"`
}

// SuggestReplyResult is the Run result shape for "suggest_reply".
type SuggestReplyResult struct {
	Suggestion string `json:"suggestion"`
}

// NewSuggestReply builds the "suggest_reply" job definition: an
// interactive, single-flight-deduped job that asks an LLM for a reply
// suggestion given a thread's transcript so far. Single-flight dedupe means
// a burst of keystroke-triggered re-suggestions for the same thread collapse
// onto whichever request is already in flight.
func NewSuggestReply(client modeladapter.Client) queue.Definition {
	return queue.Definition{
		Type:          "suggest_reply",
		Version:       1,
		Priority:      queue.PriorityInteractive,
		PayloadSchema: compileSchema("suggest_reply.payload.json", suggestReplyPayloadSchema),
		ResultSchema:  compileSchema("suggest_reply.result.json", suggestReplyResultSchema),
		Dedupe: queue.Dedupe{
			Mode: queue.DedupeSingleFlight,
			Key: func(payload json.RawMessage) (string, error) {
				var p SuggestReplyPayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return "", err
				}
				if p.ThreadID == "" {
					return "", errors.New("suggest_reply: threadId is required")
				}
				return "suggest_reply:" + p.ThreadID, nil
			},
		},
		Retry: queue.Retry{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      true,
			Classify:    classifyModelError,
		},
		Timeout: 30 * time.Second,
		Cancel: queue.Cancel{
			Strategy:     queue.CancelMarkCanceled,
			GracefulWait: 2 * time.Second,
		},
		Run: func(rc *queue.RunContext, payload json.RawMessage) (json.RawMessage, error) {
			var p SuggestReplyPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("suggest_reply: decode payload: %w", err)
			}
			rc.SetRunningContext(p.ThreadID, rc.JobID)

			resp, err := client.Complete(rc, modeladapter.Request{
				Model: p.Model,
				Messages: []modeladapter.Message{
					{Role: "system", Content: "Suggest a concise reply continuing this conversation."},
					{Role: "user", Content: p.Transcript},
				},
				MaxTokens: 512,
			})
			if err != nil {
				return nil, fmt.Errorf("suggest_reply: complete: %w", err)
			}
			rc.EmitProgress(map[string]any{"stopReason": resp.StopReason})
			return json.Marshal(SuggestReplyResult{Suggestion: resp.Text})
		},
	}
}

// classifyModelError treats context cancellation/timeout as fatal (retrying
// a deliberately canceled turn wastes a model call) and everything else
// (rate limits, transient provider errors) as retryable.
func classifyModelError(err error) queue.RetryClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return queue.Fatal
	}
	return queue.Retryable
}
