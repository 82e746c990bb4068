package jobdefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmillpps/codex-manager/queue"
)

const reactToFileChangePayloadSchema = `{
	"type": "object",
	"required": ["threadId", "turnId", "path"],
	"properties": {
		"threadId": {"type": "string", "minLength": 1},
		"turnId": {"type": "string", "minLength": 1},
		"path": {"type": "string", "minLength": 1},
		"changeKind": {"type": "string", "enum": ["created", "modified", "deleted"]}
	}
}`

const reactToFileChangeResultSchema = `{
	"type": "object",
	"required": ["acknowledgedPaths"],
	"properties": {
		"acknowledgedPaths": {"type": "array", "items": {"type": "string"}}
	}
}`

// ReactToFileChangePayload is the Enqueue payload shape for
// "react_to_file_change".
type ReactToFileChangePayload struct {
	ThreadID   string `json:"threadId"`
	TurnID     string `json:"turnId"`
	Path       string `json:"path"`
	ChangeKind string `json:"changeKind,omitempty"`
}

// ReactToFileChangeResult is the Run result shape for
// "react_to_file_change".
type ReactToFileChangeResult struct {
	AcknowledgedPaths []string `json:"acknowledgedPaths"`
}

// NotifyFunc delivers a file-change notification to whatever runtime is
// driving the turn named by threadID/turnID (e.g. over a supervisor.Call).
type NotifyFunc func(ctx *queue.RunContext, threadID, turnID, path, changeKind string) error

// NewReactToFileChange builds the "react_to_file_change" job definition: a
// background job that tells an in-flight turn its working tree changed
// underneath it. It merge-dedupes bursts of changes to the same thread
// (editors routinely emit several write events per save) and uses
// interrupt_turn cancellation, since a stale in-flight turn should be torn
// down rather than left to act on outdated file contents.
func NewReactToFileChange(notify NotifyFunc) queue.Definition {
	return queue.Definition{
		Type:          "react_to_file_change",
		Version:       1,
		Priority:      queue.PriorityBackground,
		PayloadSchema: compileSchema("react_to_file_change.payload.json", reactToFileChangePayloadSchema),
		ResultSchema:  compileSchema("react_to_file_change.result.json", reactToFileChangeResultSchema),
		Dedupe: queue.Dedupe{
			Mode: queue.DedupeMergeDuplicate,
			Key: func(payload json.RawMessage) (string, error) {
				var p ReactToFileChangePayload
				if err := json.Unmarshal(payload, &p); err != nil {
					return "", err
				}
				if p.ThreadID == "" {
					return "", errors.New("react_to_file_change: threadId is required")
				}
				return "react_to_file_change:" + p.ThreadID, nil
			},
			Merge: mergeFileChangePayloads,
		},
		Retry: queue.Retry{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      true,
			Classify:    func(error) queue.RetryClass { return queue.Retryable },
		},
		Timeout: 10 * time.Second,
		Cancel: queue.Cancel{
			Strategy:     queue.CancelInterruptTurn,
			GracefulWait: time.Second,
		},
		Run: func(rc *queue.RunContext, payload json.RawMessage) (json.RawMessage, error) {
			var p ReactToFileChangePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("react_to_file_change: decode payload: %w", err)
			}
			rc.SetRunningContext(p.ThreadID, p.TurnID)

			if err := notify(rc, p.ThreadID, p.TurnID, p.Path, p.ChangeKind); err != nil {
				return nil, fmt.Errorf("react_to_file_change: notify: %w", err)
			}
			return json.Marshal(ReactToFileChangeResult{AcknowledgedPaths: []string{p.Path}})
		},
	}
}

// mergeFileChangePayloads keeps the incoming (most recent) payload's path
// and changeKind, since only the latest change to a given thread's working
// tree matters once several have queued up behind one still-queued job.
func mergeFileChangePayloads(existing, incoming json.RawMessage) (json.RawMessage, error) {
	var cur, next ReactToFileChangePayload
	if err := json.Unmarshal(existing, &cur); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(incoming, &next); err != nil {
		return nil, err
	}
	cur.Path = next.Path
	cur.ChangeKind = next.ChangeKind
	return json.Marshal(cur)
}
