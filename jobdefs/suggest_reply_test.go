package jobdefs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmillpps/codex-manager/modeladapter"
	"github.com/jmillpps/codex-manager/queue"
)

type fakeModelClient struct {
	resp modeladapter.Response
	err  error
	reqs []modeladapter.Request
}

func (f *fakeModelClient) Complete(_ context.Context, req modeladapter.Request) (modeladapter.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func newRunContext(jobID string) *queue.RunContext {
	rc := &queue.RunContext{Context: context.Background(), JobID: jobID}
	return rc
}

func TestSuggestReplyRunReturnsSuggestion(t *testing.T) {
	client := &fakeModelClient{resp: modeladapter.Response{Text: "sounds good", StopReason: "end_turn"}}
	def := NewSuggestReply(client)

	payload, err := json.Marshal(SuggestReplyPayload{ThreadID: "t1", Transcript: "hi there"})
	require.NoError(t, err)

	out, err := def.Run(newRunContext("job-1"), payload)
	require.NoError(t, err)

	var result SuggestReplyResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "sounds good", result.Suggestion)
	require.Len(t, client.reqs, 1)
	require.Equal(t, "hi there", client.reqs[0].Messages[1].Content)
}

func TestSuggestReplyRunPropagatesModelError(t *testing.T) {
	client := &fakeModelClient{err: errors.New("provider unavailable")}
	def := NewSuggestReply(client)

	payload, err := json.Marshal(SuggestReplyPayload{ThreadID: "t1", Transcript: "hi"})
	require.NoError(t, err)

	_, err = def.Run(newRunContext("job-1"), payload)
	require.Error(t, err)
}

func TestClassifyModelErrorTreatsCancellationAsFatal(t *testing.T) {
	require.Equal(t, queue.Fatal, classifyModelError(context.Canceled))
	require.Equal(t, queue.Fatal, classifyModelError(context.DeadlineExceeded))
	require.Equal(t, queue.Retryable, classifyModelError(errors.New("rate limited")))
}

func TestSuggestReplyDedupeKeyRequiresThreadID(t *testing.T) {
	def := NewSuggestReply(&fakeModelClient{})
	_, err := def.Dedupe.Key(json.RawMessage(`{}`))
	require.Error(t, err)

	key, err := def.Dedupe.Key(json.RawMessage(`{"threadId":"t1"}`))
	require.NoError(t, err)
	require.Equal(t, "suggest_reply:t1", key)
}
