// Package pulsehook implements queue.Hooks on top of goa.design/pulse
// streams, grounded on the teacher's features/stream/pulse/sink.go and
// features/stream/pulse/clients/pulse/client.go. Job lifecycle events are
// published as envelopes onto a per-thread Pulse stream; InterruptTurn
// publishes a control envelope onto the same stream rather than calling out
// of process, since interrupt_turn's actual delivery to a running turn is a
// downstream concern (the runtime subscribes to the stream it already reads
// hook events from).
package pulsehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/jmillpps/codex-manager/queue"
)

type (
	// Client exposes the subset of Pulse operations pulsehook needs,
	// mirroring the teacher's clients/pulse.Client wrapper shape.
	Client interface {
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream is a handle to a single Pulse stream.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		Destroy(ctx context.Context) error
	}
)

// NewClient constructs a Client backed by a Redis connection, following the
// teacher's New(Options) constructor shape.
func NewClient(redisClient *redis.Client, streamMaxLen int) (Client, error) {
	if redisClient == nil {
		return nil, errors.New("pulsehook: redis client is required")
	}
	return &client{redis: redisClient, maxLen: streamMaxLen}, nil
}

type client struct {
	redis  *redis.Client
	maxLen int
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulsehook: stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("pulsehook: create stream: %w", err)
	}
	return &handle{stream: str}, nil
}

func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream *streaming.Stream
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulsehook: add: %w", err)
	}
	return id, nil
}

func (h *handle) Destroy(ctx context.Context) error { return h.stream.Destroy(ctx) }

// Envelope is the JSON value published onto a thread's Pulse stream for
// every lifecycle event and interrupt request.
type Envelope struct {
	Kind      string    `json:"kind"`
	ThreadID  string    `json:"threadId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Options configures Hooks.
type Options struct {
	// Client is the Pulse client used to publish events. Required.
	Client Client
	// StreamID derives the target Pulse stream name for an event. Defaults
	// to "orchestrator/<threadID>", falling back to "orchestrator/global"
	// when the event carries no thread.
	StreamID func(queue.Event) string
}

// Hooks publishes queue.Event values and interrupt requests onto Pulse
// streams. It satisfies queue.Hooks.
type Hooks struct {
	client   Client
	streamID func(queue.Event) string
}

// New constructs a Hooks instance. opts.Client is required.
func New(opts Options) (*Hooks, error) {
	if opts.Client == nil {
		return nil, errors.New("pulsehook: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Hooks{client: opts.Client, streamID: streamID}, nil
}

func defaultStreamID(evt queue.Event) string {
	if evt.ThreadID == "" {
		return "orchestrator/global"
	}
	return fmt.Sprintf("orchestrator/%s", evt.ThreadID)
}

// EmitEvent publishes evt onto the derived Pulse stream. Publish failures are
// discarded without being returned or logged, since hook delivery is best-effort and must never block job state transitions.
func (h *Hooks) EmitEvent(evt queue.Event) {
	env := Envelope{
		Kind:      string(evt.Type),
		ThreadID:  evt.ThreadID,
		Timestamp: time.Now().UTC(),
		Payload:   evt.Payload,
	}
	_ = h.publish(context.Background(), h.streamID(evt), env)
}

// InterruptTurn publishes an interrupt-turn control envelope onto the
// thread's stream. The runtime process subscribed to that stream is
// responsible for actually tearing down the in-flight turn; this call only
// guarantees the request was durably queued in Pulse.
func (h *Hooks) InterruptTurn(threadID, turnID string) error {
	env := Envelope{
		Kind:      "interrupt_turn_request",
		ThreadID:  threadID,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
	}
	return h.publish(context.Background(), fmt.Sprintf("orchestrator/%s", threadID), env)
}

func (h *Hooks) publish(ctx context.Context, streamName string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulsehook: marshal envelope: %w", err)
	}
	stream, err := h.client.Stream(streamName)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, env.Kind, payload)
	return err
}

var _ queue.Hooks = (*Hooks)(nil)
