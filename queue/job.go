// Package queue implements the durable priority job queue and scheduler: the
// component that accepts Enqueue requests, dedupes and admits them under
// capacity, dispatches them with interactive/background fairness and
// anti-starvation aging, runs them against registered Definitions, retries or
// terminalizes them, and persists every state transition to an on-disk
// snapshot so in-flight work survives a crash.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Priority partitions jobs into the two fairness classes the scheduler
// balances: interactive work is preferred, subject to anti-starvation aging
// that periodically admits background work ahead of it.
type Priority string

const (
	// PriorityInteractive marks user-facing, latency-sensitive work.
	PriorityInteractive Priority = "interactive"
	// PriorityBackground marks best-effort work the scheduler ages forward
	// to avoid starvation under a steady stream of interactive jobs.
	PriorityBackground Priority = "background"
)

// State is a job's lifecycle state. Every job reaches exactly one of the
// three terminal states (Completed, Failed, Canceled) at most once.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// RunningContext identifies the external runtime turn a job is currently
// driving, set only while the job is running. It is the handle the
// interrupt_turn cancel strategy hands to Hooks.InterruptTurn.
type RunningContext struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Job is one scheduled, persistent unit of work. After admission a Job is
// mutated only by Scheduler methods holding its lock; all other callers
// observe copies returned from Get/ListByProject/Stats or delivered via
// WaitForTerminal.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Version         int             `json:"version"`
	ProjectID       string          `json:"projectId"`
	SourceSessionID string          `json:"sourceSessionId,omitempty"`
	Priority        Priority        `json:"priority"`
	State           State           `json:"state"`
	DedupeKey       string          `json:"dedupeKey,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"maxAttempts"`

	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`

	RunningContext *RunningContext `json:"runningContext,omitempty"`
}

// clone returns a deep copy of j suitable for handing to callers outside the
// dispatch loop, so external mutation of the returned Job (or its Payload
// slice) cannot corrupt scheduler-owned state.
func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.CancelRequestedAt != nil {
		t := *j.CancelRequestedAt
		cp.CancelRequestedAt = &t
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if j.RunningContext != nil {
		rc := *j.RunningContext
		cp.RunningContext = &rc
	}
	return &cp
}

// DedupeMode governs how Enqueue reconciles a new request against an
// existing non-terminal job sharing the same (type, dedupeKey).
type DedupeMode string

const (
	// DedupeNone always creates a new job; no key is attached.
	DedupeNone DedupeMode = "none"
	// DedupeSingleFlight returns the existing job unchanged.
	DedupeSingleFlight DedupeMode = "single_flight"
	// DedupeDropDuplicate is observably identical to DedupeSingleFlight at
	// the queue level: the incoming request is dropped in favor of the
	// existing job. The two modes are kept distinct in the type system
	// because definitions may document different intent (single_flight
	// implies the caller wants to observe the one true winner; drop_duplicate
	// implies the caller no longer cares once any instance is in flight).
	DedupeDropDuplicate DedupeMode = "drop_duplicate"
	// DedupeMergeDuplicate folds the incoming payload into the existing job
	// via Dedupe.Merge when the existing job is still queued (see the Open
	// Questions resolution in DESIGN.md for the running-job case).
	DedupeMergeDuplicate DedupeMode = "merge_duplicate"
)

// Dedupe configures single-flight/merge behavior for a Definition.
type Dedupe struct {
	// Key derives the dedupe key from a payload. A nil Key or a Mode of
	// DedupeNone disables dedupe for the definition.
	Key func(payload json.RawMessage) (string, error)
	// Mode selects the reconciliation strategy.
	Mode DedupeMode
	// Merge combines an incoming payload into the existing one. Required
	// when Mode is DedupeMergeDuplicate.
	Merge func(existing, incoming json.RawMessage) (json.RawMessage, error)
}

// RetryClass is the outcome of classifying a run error.
type RetryClass string

const (
	Retryable RetryClass = "retryable"
	Fatal      RetryClass = "fatal"
)

// Retry configures the retry/backoff policy for a Definition.
type Retry struct {
	MaxAttempts int
	Classify    func(err error) RetryClass
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// DelayForAttempt, when set, overrides the exponential-backoff formula
	// for computing the delay before attempt n+1.
	DelayForAttempt func(attempt int) time.Duration
}

// CancelStrategy governs how Cancel/Stop affect a running job.
type CancelStrategy string

const (
	// CancelMarkCanceled only signals the job's cancellation token.
	CancelMarkCanceled CancelStrategy = "mark_canceled"
	// CancelInterruptTurn additionally invokes Hooks.InterruptTurn using the
	// job's current RunningContext.
	CancelInterruptTurn CancelStrategy = "interrupt_turn"
)

// Cancel configures a Definition's cooperative-cancellation behavior.
type Cancel struct {
	Strategy     CancelStrategy
	GracefulWait time.Duration
}

// RunContext is passed to a Definition's Run function for a single attempt.
// It carries identifiers, the cancellation signal, and callbacks the running
// job uses to report its external runtime turn and incremental progress.
type RunContext struct {
	context.Context

	JobID           string
	ProjectID       string
	SourceSessionID string
	Attempt         int

	signal            <-chan struct{}
	setRunningContext func(threadID, turnID string)
	emitProgress      func(progress any)
}

// Signal returns a channel closed when the run should stop: on Cancel, on
// timeout, or on Stop. Well-behaved Run implementations select on it
// alongside their own blocking operations.
func (rc *RunContext) Signal() <-chan struct{} { return rc.signal }

// SetRunningContext records the external runtime turn this attempt is
// driving, enabling the interrupt_turn cancel strategy.
func (rc *RunContext) SetRunningContext(threadID, turnID string) {
	if rc.setRunningContext != nil {
		rc.setRunningContext(threadID, turnID)
	}
}

// EmitProgress reports incremental progress; the scheduler turns each call
// into an orchestrator_job_progress hook event.
func (rc *RunContext) EmitProgress(progress any) {
	if rc.emitProgress != nil {
		rc.emitProgress(progress)
	}
}

// RunFunc executes one attempt of a job and returns its result payload.
type RunFunc func(rc *RunContext, payload json.RawMessage) (json.RawMessage, error)

// Definition is the registered specification for one job type: how its
// payload/result are validated, how it dedupes, retries, times out, cancels,
// and runs, plus optional lifecycle callbacks.
type Definition struct {
	Type     string
	Version  int
	Priority Priority

	// PayloadSchema and ResultSchema, when non-nil, are compiled JSON Schemas
	// used to structurally validate Enqueue payloads and Run results.
	PayloadSchema *jsonschema.Schema
	ResultSchema  *jsonschema.Schema

	Dedupe  Dedupe
	Retry   Retry
	Timeout time.Duration
	Cancel  Cancel
	Run     RunFunc

	OnQueued    func(*Job)
	OnStarted   func(*Job)
	OnCompleted func(*Job)
	OnFailed    func(*Job)
	OnCanceled  func(*Job)
}

func validateAgainstSchema(schema *jsonschema.Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var doc any
	if len(raw) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
