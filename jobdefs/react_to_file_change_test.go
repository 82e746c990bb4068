package jobdefs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmillpps/codex-manager/queue"
)

func TestReactToFileChangeRunNotifiesAndAcknowledges(t *testing.T) {
	var got struct {
		threadID, turnID, path, changeKind string
	}
	notify := func(rc *queue.RunContext, threadID, turnID, path, changeKind string) error {
		got.threadID, got.turnID, got.path, got.changeKind = threadID, turnID, path, changeKind
		return nil
	}
	def := NewReactToFileChange(notify)

	payload, err := json.Marshal(ReactToFileChangePayload{
		ThreadID: "t1", TurnID: "turn-1", Path: "main.go", ChangeKind: "modified",
	})
	require.NoError(t, err)

	out, err := def.Run(newRunContext("job-1"), payload)
	require.NoError(t, err)

	var result ReactToFileChangeResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, []string{"main.go"}, result.AcknowledgedPaths)
	require.Equal(t, "t1", got.threadID)
	require.Equal(t, "modified", got.changeKind)
}

func TestReactToFileChangeRunPropagatesNotifyError(t *testing.T) {
	notify := func(*queue.RunContext, string, string, string, string) error {
		return errors.New("runtime unreachable")
	}
	def := NewReactToFileChange(notify)

	payload, err := json.Marshal(ReactToFileChangePayload{ThreadID: "t1", TurnID: "turn-1", Path: "a.go"})
	require.NoError(t, err)

	_, err = def.Run(newRunContext("job-1"), payload)
	require.Error(t, err)
}

func TestMergeFileChangePayloadsKeepsIncomingPathAndChangeKind(t *testing.T) {
	existing, err := json.Marshal(ReactToFileChangePayload{ThreadID: "t1", TurnID: "turn-1", Path: "old.go", ChangeKind: "created"})
	require.NoError(t, err)
	incoming, err := json.Marshal(ReactToFileChangePayload{ThreadID: "t1", TurnID: "turn-1", Path: "new.go", ChangeKind: "deleted"})
	require.NoError(t, err)

	merged, err := mergeFileChangePayloads(existing, incoming)
	require.NoError(t, err)

	var p ReactToFileChangePayload
	require.NoError(t, json.Unmarshal(merged, &p))
	require.Equal(t, "new.go", p.Path)
	require.Equal(t, "deleted", p.ChangeKind)
	require.Equal(t, "t1", p.ThreadID)
}

func TestReactToFileChangeDedupeKeyRequiresThreadID(t *testing.T) {
	def := NewReactToFileChange(func(*queue.RunContext, string, string, string, string) error { return nil })
	_, err := def.Dedupe.Key(json.RawMessage(`{}`))
	require.Error(t, err)
}
