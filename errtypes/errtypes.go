// Package errtypes collects the stable error identifiers and structured error
// types shared by the queue, events, and supervisor packages. Error strings
// defined here are part of the orchestrator's external contract: callers
// switch on Code or match Error() against these values, so they must not
// change once published.
package errtypes

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable identifier for an orchestrator-level error condition.
type Code string

const (
	// CodeInvalidPayload marks an Enqueue call whose payload failed the job
	// definition's schema, or whose type is unregistered.
	CodeInvalidPayload Code = "invalid_payload"
	// CodeQueueFull marks an Enqueue call rejected because admitting the job
	// would exceed per-project or global capacity.
	CodeQueueFull Code = "queue_full"
	// CodeJobConflict marks an Enqueue call that cannot be reconciled with an
	// existing job's state (reserved for dedupe edge cases).
	CodeJobConflict Code = "job_conflict"

	// CodeTimeout marks a run that was aborted because it exceeded the job
	// definition's timeoutMs.
	CodeTimeout Code = "timeout"
	// CodeShutdown marks a running job force-canceled during an orderly Stop.
	CodeShutdown Code = "shutdown"
	// CodeShutdownTimeout marks a running job that did not settle within
	// drainMs during Stop and was force-marked canceled.
	CodeShutdownTimeout Code = "shutdown_timeout"
	// CodeInterruptTimeout marks a running job that did not settle within
	// gracefulWaitMs after Cancel and was force-marked canceled.
	CodeInterruptTimeout Code = "interrupt_timeout"
	// CodeRecoveryMaxAttempts marks a job recovered from a crashed snapshot in
	// the running state that had already exhausted its attempt budget.
	CodeRecoveryMaxAttempts Code = "recovery_max_attempts_exceeded"

	// CodeHandlerTimeout marks an agent-event handler that did not return
	// before its configured timeout.
	CodeHandlerTimeout Code = "handler_timeout"
	// CodeHandlerException marks an agent-event handler that panicked or
	// returned an error.
	CodeHandlerException Code = "handler_exception"
	// CodeCapabilityDenied marks an agent-event handler action rejected by
	// the trust gate for lacking a declared capability.
	CodeCapabilityDenied Code = "capability_denied"
	// CodeManifestInvalid marks an extension module whose manifest could not
	// be parsed or failed structural validation.
	CodeManifestInvalid Code = "manifest_invalid"
	// CodeEntrypointMissing marks an extension module whose events entrypoint
	// could not be resolved.
	CodeEntrypointMissing Code = "entrypoint_missing"
	// CodeRuntimeIncompatible marks an extension module whose manifest
	// declares a core/runtime-profile compatibility range the host does not
	// satisfy.
	CodeRuntimeIncompatible Code = "runtime_incompatible"
)

// EnqueueError is returned by Queue.Enqueue for admission failures. It carries
// an HTTP-style status code so the (out-of-scope) API layer can translate it
// directly into a response without re-classifying the error.
type EnqueueError struct {
	Code       Code
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *EnqueueError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvalidPayload builds an EnqueueError for a schema or unknown-type failure.
func InvalidPayload(format string, args ...any) *EnqueueError {
	return &EnqueueError{Code: CodeInvalidPayload, StatusCode: 400, Message: fmt.Sprintf(format, args...)}
}

// QueueFull builds an EnqueueError for a capacity rejection. scope should be
// either "project" or "global" so the message matches the required
// /project capacity/ or /global capacity/ patterns.
func QueueFull(scope string, limit int) *EnqueueError {
	return &EnqueueError{
		Code:       CodeQueueFull,
		StatusCode: 429,
		Message:    fmt.Sprintf("%s capacity exceeded (limit=%d)", scope, limit),
	}
}

// JobConflict builds an EnqueueError for an unreconcilable dedupe state.
func JobConflict(format string, args ...any) *EnqueueError {
	return &EnqueueError{Code: CodeJobConflict, StatusCode: 409, Message: fmt.Sprintf(format, args...)}
}

// RunError represents a structured job-run failure. It preserves a cause
// chain (for errors.Is/As) while always rendering to a single trimmed,
// non-empty string for storage in Job.Error.
type RunError struct {
	Message string
	Cause   error
}

// NewRunError constructs a RunError from an arbitrary error, trimming
// whitespace and substituting "unknown error" for an empty message so that
// Job.Error is never blank.
func NewRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "unknown error"
	}
	return &RunError{Message: msg, Cause: err}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap supports errors.Is/As against the original cause.
func (e *RunError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// String renders the error message intended for Job.Error / Job.error
// persistence: a trimmed, non-empty string.
func String(err error) string {
	if err == nil {
		return ""
	}
	return NewRunError(err).Message
}

// RPCError formats a Supervisor response-level error per the external
// contract: "codex rpc error <code>: <message>".
func RPCError(code int, message string) error {
	return errors.New(fmt.Sprintf("codex rpc error %d: %s", code, message))
}

// RPCTimeout formats a Supervisor Call timeout per the external contract:
// "codex request timed out: <method>".
func RPCTimeout(method string) error {
	return fmt.Errorf("codex request timed out: %s", method)
}

var (
	// ErrSupervisorNotRunning is returned by Call/Notify before Start has
	// spawned the child process or after the supervisor has fully stopped.
	ErrSupervisorNotRunning = errors.New("codex app-server is not running")
	// ErrSupervisorExited rejects pending requests when the child process
	// exits before responding.
	ErrSupervisorExited = errors.New("codex app-server exited before responding")
	// ErrSupervisorStopped rejects pending requests when Stop is called.
	ErrSupervisorStopped = errors.New("codex app-server stopped")
)
