package canon_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmillpps/codex-manager/canon"
)

func TestStableJSON_KeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": 2, "x": 1}}
	b := map[string]any{"c": map[string]any{"x": 1, "y": 2}, "a": 1, "b": 2}

	sa, err := canon.StableJSON(a)
	require.NoError(t, err)
	sb, err := canon.StableJSON(b)
	require.NoError(t, err)

	require.Equal(t, string(sa), string(sb))
	require.Equal(t, canon.Hash(sa), canon.Hash(sb))
}

func TestStableJSON_ArrayOrderPreserved(t *testing.T) {
	a := map[string]any{"items": []any{1, 2, 3}}
	b := map[string]any{"items": []any{3, 2, 1}}

	sa, err := canon.StableJSON(a)
	require.NoError(t, err)
	sb, err := canon.StableJSON(b)
	require.NoError(t, err)

	require.NotEqual(t, string(sa), string(sb))
}

func TestHash_Is64HexChars(t *testing.T) {
	h, err := canon.HashValue(map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Len(t, h, 64)
	for _, r := range h {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}
}

func TestSignature_ScopeSensitivity(t *testing.T) {
	payload := map[string]any{"key": "chat-1"}

	base, err := canon.Signature("suggest_reply", "proj-1", "sess-1", "turn-1", payload)
	require.NoError(t, err)

	diffProject, err := canon.Signature("suggest_reply", "proj-2", "sess-1", "turn-1", payload)
	require.NoError(t, err)
	require.NotEqual(t, base, diffProject)

	diffSession, err := canon.Signature("suggest_reply", "proj-1", "sess-2", "turn-1", payload)
	require.NoError(t, err)
	require.NotEqual(t, base, diffSession)

	diffTurn, err := canon.Signature("suggest_reply", "proj-1", "sess-1", "turn-2", payload)
	require.NoError(t, err)
	require.NotEqual(t, base, diffTurn)

	diffPayload, err := canon.Signature("suggest_reply", "proj-1", "sess-1", "turn-1", map[string]any{"key": "chat-2"})
	require.NoError(t, err)
	require.NotEqual(t, base, diffPayload)

	again, err := canon.Signature("suggest_reply", "proj-1", "sess-1", "turn-1", payload)
	require.NoError(t, err)
	require.Equal(t, base, again)
}
