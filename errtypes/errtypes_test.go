package errtypes_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmillpps/codex-manager/errtypes"
)

func TestQueueFull_MessageMatchesScope(t *testing.T) {
	proj := errtypes.QueueFull("project", 1)
	require.Regexp(t, "project capacity", proj.Error())
	require.Equal(t, 429, proj.StatusCode)

	global := errtypes.QueueFull("global", 2)
	require.Regexp(t, "global capacity", global.Error())
}

func TestNewRunError_EmptyBecomesUnknown(t *testing.T) {
	err := errtypes.NewRunError(errors.New("   "))
	require.Equal(t, "unknown error", err.Error())
}

func TestNewRunError_PreservesCauseChain(t *testing.T) {
	sentinel := errors.New("boom")
	wrapped := errtypes.NewRunError(sentinel)
	require.True(t, errors.Is(wrapped, sentinel))
}

func TestRPCError_Format(t *testing.T) {
	err := errtypes.RPCError(-32000, "bad request")
	require.Equal(t, "codex rpc error -32000: bad request", err.Error())
}

func TestRPCTimeout_Format(t *testing.T) {
	err := errtypes.RPCTimeout("turn/start")
	require.Equal(t, "codex request timed out: turn/start", err.Error())
}
