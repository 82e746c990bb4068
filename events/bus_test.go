package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitHandlerTimeoutIsolation(t *testing.T) {
	b := NewBus(HostIdentity{CoreVersion: "1.0.0"})
	slow := Subscription{ModuleID: "slow", EventType: "demo", Priority: 0, TimeoutMs: 10, Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return &EnqueueResultPayload{Status: "enqueued", JobID: "late"}, nil
	}}
	fast := Subscription{ModuleID: "fast", EventType: "demo", Priority: 1, Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		return &EnqueueResultPayload{Status: "enqueued", JobID: "fast-job"}, nil
	}}
	b.table.Store(&Table{byType: map[string][]Subscription{"demo": {slow, fast}}})

	results := b.Emit(context.Background(), Event{Type: "demo"}, Tools{})
	require.Len(t, results, 2)
	require.NotNil(t, results[0].HandlerError)
	require.Equal(t, "handler_timeout", results[0].HandlerError.Code)
	require.NotNil(t, results[1].Enqueue)
	require.Equal(t, "fast-job", results[1].Enqueue.JobID)
}

func TestGuardedToolsForbidAfterTimeout(t *testing.T) {
	called := false
	tools := Tools{EnqueueJob: func(ctx context.Context, jobType string, payload any) (*EnqueueResultPayload, error) {
		called = true
		return &EnqueueResultPayload{Status: "enqueued"}, nil
	}}
	expired := make(chan struct{})
	close(expired)
	guarded := guardedTools(tools, expired)

	_, err := guarded.EnqueueJob(context.Background(), "t", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "forbidden-after-timeout")
	require.False(t, called)
}

func TestSelectEnqueueWinnerPrefersFreshOverDedupe(t *testing.T) {
	results := []EmitResult{
		{ModuleID: "a", Enqueue: &EnqueueResultPayload{Status: "already_queued", JobID: "j1"}},
		{ModuleID: "b", Enqueue: &EnqueueResultPayload{Status: "enqueued", JobID: "j2"}},
	}
	winner := SelectEnqueueWinner(results)
	require.NotNil(t, winner)
	require.Equal(t, "j2", winner.JobID)
}

func TestSelectActionExecutionPlanClassifies(t *testing.T) {
	results := []EmitResult{
		{ModuleID: "a", Action: &ActionResultPayload{Status: ActionNotEligible}},
		{ModuleID: "b", Action: &ActionResultPayload{Status: ActionPerformed, ActionType: "comment"}},
		{ModuleID: "c", Action: &ActionResultPayload{Status: ActionForbidden}},
	}
	plan := SelectActionExecutionPlan(results)
	require.NotNil(t, plan.Winner)
	require.Equal(t, "comment", plan.Winner.ActionType)
	require.Len(t, plan.Reconciled, 1)
	require.Len(t, plan.Failed, 1)
}

func TestEmitHandlerPanicProducesHandlerException(t *testing.T) {
	b := NewBus(HostIdentity{CoreVersion: "1.0.0"})
	sub := Subscription{ModuleID: "panicky", EventType: "demo", Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		panic("boom")
	}}
	b.table.Store(&Table{byType: map[string][]Subscription{"demo": {sub}}})

	results := b.Emit(context.Background(), Event{Type: "demo"}, Tools{})
	require.Len(t, results, 1)
	require.NotNil(t, results[0].HandlerError)
	require.Equal(t, "handler_exception", results[0].HandlerError.Code)
}

func TestEmitEnforcedModeDeniesUndeclaredAction(t *testing.T) {
	b := NewBus(HostIdentity{CoreVersion: "1.0.0"})
	sub := Subscription{ModuleID: "labeler", EventType: "demo", Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		return &ActionResultPayload{Status: ActionPerformed, ActionType: "apply_label"}, nil
	}}
	mod := &Module{ID: "labeler", Manifest: &Manifest{Capabilities: Capabilities{Actions: []string{"post_comment"}}}}
	b.table.Store(&Table{
		Mode:    TrustEnforced,
		byType:  map[string][]Subscription{"demo": {sub}},
		byID:    map[string]*Module{"labeler": mod},
	})

	results := b.Emit(context.Background(), Event{Type: "demo"}, Tools{})
	require.Len(t, results, 1)
	require.Nil(t, results[0].Action)
	require.NotNil(t, results[0].HandlerError)
	require.Equal(t, "capability_denied", results[0].HandlerError.Code)
}

func TestEmitWarnModeAllowsUndeclaredActionWithWarning(t *testing.T) {
	b := NewBus(HostIdentity{CoreVersion: "1.0.0"})
	sub := Subscription{ModuleID: "labeler", EventType: "demo", Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		return &ActionResultPayload{Status: ActionPerformed, ActionType: "apply_label"}, nil
	}}
	mod := &Module{ID: "labeler", Manifest: &Manifest{Capabilities: Capabilities{Actions: []string{"post_comment"}}}}
	b.table.Store(&Table{
		Mode:   TrustWarn,
		byType: map[string][]Subscription{"demo": {sub}},
		byID:   map[string]*Module{"labeler": mod},
	})

	results := b.Emit(context.Background(), Event{Type: "demo"}, Tools{})
	require.Len(t, results, 1)
	require.Nil(t, results[0].HandlerError)
	require.NotNil(t, results[0].Action)
	require.Equal(t, "apply_label", results[0].Action.ActionType)
}

func TestEmitHandlerErrorProducesHandlerException(t *testing.T) {
	b := NewBus(HostIdentity{CoreVersion: "1.0.0"})
	sub := Subscription{ModuleID: "erroring", EventType: "demo", Handler: func(ctx context.Context, evt Event, tools Tools) (any, error) {
		return nil, errors.New("nope")
	}}
	b.table.Store(&Table{byType: map[string][]Subscription{"demo": {sub}}})

	results := b.Emit(context.Background(), Event{Type: "demo"}, Tools{})
	require.Equal(t, "handler_exception", results[0].HandlerError.Code)
	require.Equal(t, "nope", results[0].HandlerError.Message)
}
