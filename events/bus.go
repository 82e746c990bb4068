package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmillpps/codex-manager/errtypes"
	"github.com/jmillpps/codex-manager/telemetry"
)

// defaultHandlerTimeout is the ceiling applied when a subscription does not
// declare its own timeoutMs.
const defaultHandlerTimeout = 30 * time.Second

// Tools is the capability set handed to every handler invocation: a way to
// enqueue jobs and a logger. Emit wraps Tools in a per-call guard so that
// EnqueueJob calls made after the handler's timeout has fired become no-ops;
// Logger is passed through unguarded and still logs after the timeout.
type Tools struct {
	EnqueueJob func(ctx context.Context, jobType string, payload any) (*EnqueueResultPayload, error)
	Logger     telemetry.Logger
}

// HandlerFunc is one module's reaction to an event. It returns an
// EnqueueResultPayload, an ActionResultPayload, any other value (ignored by
// reconciliation), or an error.
type HandlerFunc func(ctx context.Context, evt Event, tools Tools) (any, error)

// Event is one domain occurrence fanned out to subscribed handlers.
type Event struct {
	Type    string
	Payload any
}

// HandlerError reports a non-result outcome for one handler's invocation.
type HandlerError struct {
	Code    string
	Message string
}

// EmitResult is one handler's outcome, in registered-priority order.
type EmitResult struct {
	ModuleID     string
	Priority     int
	Enqueue      *EnqueueResultPayload
	Action       *ActionResultPayload
	HandlerError *HandlerError
}

// Bus holds the currently active module Table and fans events out to it.
// The table is swapped atomically by Reload; an Emit already in flight keeps
// using the table snapshot it started with.
type Bus struct {
	table atomic.Pointer[Table]
	host  HostIdentity
}

// NewBus constructs a Bus with an empty table; call Reload before emitting.
func NewBus(host HostIdentity) *Bus {
	b := &Bus{host: host}
	b.table.Store(&Table{byType: map[string][]Subscription{}})
	return b
}

// guardedTools wraps tools so that, once expired is closed, EnqueueJob is a
// no-op returning a "forbidden-after-timeout" error. Logger is not wrapped:
// log calls made after expiry still reach the underlying logger.
func guardedTools(tools Tools, expired <-chan struct{}) Tools {
	return Tools{
		Logger: tools.Logger,
		EnqueueJob: func(ctx context.Context, jobType string, payload any) (*EnqueueResultPayload, error) {
			select {
			case <-expired:
				return nil, fmt.Errorf("forbidden-after-timeout: enqueueJob called after handler timeout")
			default:
			}
			return tools.EnqueueJob(ctx, jobType, payload)
		},
	}
}

// Emit fans evt out to every handler subscribed to evt.Type, running them
// concurrently with per-handler timeout isolation, and returns their results
// in registered-priority order (not completion order). A handler that panics,
// errors, or exceeds its timeout produces a HandlerError entry; a timed-out
// handler's eventual late return is discarded.
func (b *Bus) Emit(ctx context.Context, evt Event, tools Tools) []EmitResult {
	table := b.table.Load()
	subs := table.handlersFor(evt.Type)
	results := make([]EmitResult, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub Subscription) {
			defer wg.Done()
			results[i] = b.runHandler(ctx, table, sub, evt, tools)
		}(i, sub)
	}
	wg.Wait()
	return results
}

func (b *Bus) runHandler(ctx context.Context, table *Table, sub Subscription, evt Event, tools Tools) EmitResult {
	timeout := time.Duration(sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	expired := make(chan struct{})
	wrapped := guardedTools(tools, expired)

	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := sub.Handler(ctx, evt, wrapped)
		resultCh <- outcome{val: v, err: err}
	}()

	select {
	case o := <-resultCh:
		if o.err != nil {
			return EmitResult{ModuleID: sub.ModuleID, Priority: sub.Priority, HandlerError: &HandlerError{
				Code:    string(errtypes.CodeHandlerException),
				Message: errtypes.String(o.err),
			}}
		}
		return b.classifyResult(ctx, table, sub, o.val, tools)
	case <-time.After(timeout):
		close(expired)
		return EmitResult{ModuleID: sub.ModuleID, Priority: sub.Priority, HandlerError: &HandlerError{
			Code:    string(errtypes.CodeHandlerTimeout),
			Message: fmt.Sprintf("handler for module %s timed out after %s", sub.ModuleID, timeout),
		}}
	}
}

// classifyResult turns a handler's return value into an EmitResult. An
// action_result is additionally checked against the owning module's declared
// capabilities.actions (spec §4.2): in enforced mode an undeclared action
// type is rejected outright as a capability_denied handler_error instead of
// being surfaced as the action it claims to be; in warn mode it is logged but
// still allowed through, matching the warn/enforced split used for the
// event-subscription capability check in registry.go.
func (b *Bus) classifyResult(ctx context.Context, table *Table, sub Subscription, v any, tools Tools) EmitResult {
	base := EmitResult{ModuleID: sub.ModuleID, Priority: sub.Priority}
	switch r := v.(type) {
	case *EnqueueResultPayload:
		base.Enqueue = r
	case *ActionResultPayload:
		caps := table.capabilitiesFor(sub.ModuleID)
		if !caps.allowsAction(r.ActionType) {
			switch table.Mode {
			case TrustEnforced:
				base.HandlerError = &HandlerError{
					Code:    string(errtypes.CodeCapabilityDenied),
					Message: fmt.Sprintf("module %s attempted undeclared action %q", sub.ModuleID, r.ActionType),
				}
				return base
			case TrustWarn:
				if tools.Logger != nil {
					tools.Logger.Warn(ctx, "module performed undeclared action", "moduleId", sub.ModuleID, "actionType", r.ActionType)
				}
			}
		}
		base.Action = r
	}
	return base
}

// Reload atomically replaces the active Table, building the full next table
// before swapping so no in-flight Emit ever observes a partially built one.
// Before/After summarize the previous and new module tables so a caller can
// build a spec §3 Reload Audit Record's snapshotBefore/snapshotAfter without
// reaching into Bus internals.
func (b *Bus) Reload(root string, mode TrustMode) (*ReloadResult, error) {
	prev := b.table.Load()
	next, err := Discover(root, mode, b.host)
	if err != nil {
		return nil, err
	}
	result := &ReloadResult{
		Status:             "ok",
		ImpactedExtensions: []string{},
		Before:             moduleSummaries(prev.Modules),
		After:              moduleSummaries(next.Modules),
	}
	for _, m := range next.Modules {
		if m.Status == StatusDenied {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", m.ID, m.Denied))
			result.ImpactedExtensions = append(result.ImpactedExtensions, m.ID)
		}
	}
	b.table.Store(next)
	return result, nil
}

// ModuleSummary is a point-in-time {id, status} pair used to describe a
// loaded-modules table for audit purposes.
type ModuleSummary struct {
	ID     string       `json:"id"`
	Status ModuleStatus `json:"status"`
}

func moduleSummaries(mods []*Module) []ModuleSummary {
	out := make([]ModuleSummary, len(mods))
	for i, m := range mods {
		out[i] = ModuleSummary{ID: m.ID, Status: m.Status}
	}
	return out
}

// ReloadResult is the outcome of one Bus.Reload call. ImpactedExtensions
// names every module denied by this reload, feeding the Reload Audit
// Record's impactedExtensions field.
type ReloadResult struct {
	Status             string
	Errors             []string
	ImpactedExtensions []string
	Before             []ModuleSummary
	After              []ModuleSummary
}
