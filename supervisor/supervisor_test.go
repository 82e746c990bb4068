package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeRequestWithID(t *testing.T) {
	line, err := encodeRequest(int64(3), "initialize", map[string]any{"a": 1})
	require.NoError(t, err)
	require.Contains(t, string(line), `"method":"initialize"`)
	require.Contains(t, string(line), `"id":3`)
	require.Contains(t, string(line), "\n")
}

func TestEncodeRequestNotification(t *testing.T) {
	line, err := encodeRequest(nil, "initialized", nil)
	require.NoError(t, err)
	require.NotContains(t, string(line), `"id"`)
}

type recordingListener struct {
	notifications []string
	serverReqs    []string
}

func (r *recordingListener) OnNotification(method string, params json.RawMessage) {
	r.notifications = append(r.notifications, method)
}

func (r *recordingListener) OnServerRequest(id any, method string, params json.RawMessage) {
	r.serverReqs = append(r.serverReqs, method)
}

func TestRouteDeliversPendingResponse(t *testing.T) {
	s := New(Config{Command: "true"}, nil, nil)
	pc := &pendingCall{resultCh: make(chan rpcResponse, 1)}
	s.pending[7] = pc

	s.route(wireMessage{ID: []byte("7"), Result: []byte(`{"ok":true}`)})

	resp := <-pc.resultCh
	require.Nil(t, resp.rpcErr)
	require.JSONEq(t, `{"ok":true}`, string(resp.result))
	_, stillPending := s.pending[7]
	require.False(t, stillPending)
}

func TestRouteNotificationGoesToListener(t *testing.T) {
	lst := &recordingListener{}
	s := New(Config{Command: "true"}, lst, nil)
	s.route(wireMessage{Method: "progress", Params: []byte(`{}`)})
	require.Equal(t, []string{"progress"}, lst.notifications)
}
