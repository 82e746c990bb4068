// Package engine defines a pluggable workflow-execution abstraction used by
// jobdefs whose RunFunc needs durable, multi-step execution instead of a
// single in-process call — grounded on the teacher's
// runtime/agent/engine/engine.go. A Definition's RunFunc can delegate to an
// Engine to run a named workflow and block for its result, letting the same
// job definition run against engine/inmem in tests/dev and engine/temporal
// in production without changing its own code.
package engine

import (
	"context"
	"time"
)

// Engine abstracts workflow registration and execution so adapters
// (Temporal, in-memory, or custom) can be swapped without touching job
// definitions.
type Engine interface {
	// RegisterWorkflow registers a workflow definition. Must be called
	// before StartWorkflow for that name, typically during service init.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

	// RegisterActivity registers an activity definition. Activities are
	// short-lived side-effecting steps invoked from within a workflow.
	RegisterActivity(ctx context.Context, def ActivityDefinition) error

	// StartWorkflow begins a new workflow execution and returns a handle.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowDefinition binds a workflow handler to a logical name.
type WorkflowDefinition struct {
	Name    string
	Handler WorkflowFunc
}

// WorkflowFunc is a workflow entry point. Implementations must be
// deterministic when run against a replay-based engine like Temporal: no
// direct I/O, randomness, or wall-clock reads outside WorkflowContext.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// WorkflowContext exposes engine operations to a running workflow.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string
	RunID() string
	ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
	ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
	SignalChannel(name string) SignalChannel
	Now() time.Time
}

// Future represents a pending activity result.
type Future interface {
	Get(ctx context.Context, result any) error
	IsReady() bool
}

// ActivityDefinition registers an activity handler with optional defaults.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
	Options ActivityOptions
}

// ActivityFunc handles a single activity invocation. Unlike workflows,
// activities may perform arbitrary side effects.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions configures retry/timeout behavior for an activity.
type ActivityOptions struct {
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowStartRequest describes how to launch a workflow execution.
type WorkflowStartRequest struct {
	ID          string
	Workflow    string
	TaskQueue   string
	Input       any
	RetryPolicy RetryPolicy
}

// ActivityRequest contains what's needed to schedule an activity.
type ActivityRequest struct {
	Name        string
	Input       any
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowHandle lets callers interact with a running workflow.
type WorkflowHandle interface {
	Wait(ctx context.Context, result any) error
	Signal(ctx context.Context, name string, payload any) error
	Cancel(ctx context.Context) error
}

// RetryPolicy defines retry semantics shared by workflows and activities.
// Zero-valued fields mean the engine uses its own defaults.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// SignalChannel exposes workflow signal delivery in an engine-agnostic way.
type SignalChannel interface {
	Receive(ctx context.Context, dest any) error
	ReceiveAsync(dest any) bool
}
