// Package temporal adapts engine.Engine onto go.temporal.io/sdk, grounded on
// the teacher's agents/runtime/engine/temporal/{workflow_context,engine}.go.
// Workflow and activity functions registered through this engine run as
// real Temporal workflows/activities: durable, replay-safe, and survivable
// across worker restarts, unlike engine/inmem. Worker construction wires the
// OTEL tracing interceptor and metrics handler from
// go.temporal.io/sdk/contrib/opentelemetry by default, following the
// teacher's configureInstrumentation/applyWorkerInstrumentation pattern.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/jmillpps/codex-manager/engine"
)

// InstrumentationOptions toggles the OTEL tracing interceptor and metrics
// handler New wires into the worker it constructs, grounded on the
// teacher's agents/runtime/engine/temporal/engine.go InstrumentationOptions.
// Both are enabled by default; the Tracer/Metrics options fields pass
// through to the underlying temporalotel constructors for callers that need
// to customize span attributes or metric naming.
type InstrumentationOptions struct {
	DisableTracing bool
	DisableMetrics bool
	TracerOptions  temporalotel.TracerOptions
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine wraps a Temporal client and worker, translating engine.Engine
// registration/start calls into Temporal's workflow/activity registration
// and client.ExecuteWorkflow.
type Engine struct {
	client       client.Client
	worker       worker.Worker
	defaultQueue string

	mu          sync.Mutex
	activityOpt map[string]engine.ActivityOptions
}

// New builds a Temporal-backed Engine, constructing its worker from
// workerOpts itself (rather than accepting a pre-built worker.Worker) so it
// can wire the OTEL tracing interceptor and metrics handler into
// worker.Options before the worker is created; a worker handed in already
// built could no longer have interceptors attached. taskQueue is the
// default Temporal task queue the worker polls and workflows are started on
// when a WorkflowStartRequest omits one.
func New(c client.Client, taskQueue string, workerOpts worker.Options, inst InstrumentationOptions) (*Engine, error) {
	if taskQueue == "" {
		return nil, errors.New("temporal: task queue is required")
	}
	if !inst.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(inst.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal: configure tracing interceptor: %w", err)
		}
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}
	if !inst.DisableMetrics {
		workerOpts.MetricsHandler = temporalotel.NewMetricsHandler(inst.MetricsOptions)
	}

	return &Engine{
		client:       c,
		worker:       worker.New(c, taskQueue, workerOpts),
		defaultQueue: taskQueue,
		activityOpt:  make(map[string]engine.ActivityOptions),
	}, nil
}

// Worker exposes the worker New constructed so the caller can Run or Start
// it (and Stop it on shutdown) after registering workflows and activities
// through this Engine.
func (e *Engine) Worker() worker.Worker {
	return e.worker
}

func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal: invalid workflow definition")
	}
	e.worker.RegisterWorkflowWithOptions(
		func(ctx workflow.Context, input any) (any, error) {
			return def.Handler(newWorkflowContext(e, ctx), input)
		},
		workflow.RegisterOptions{Name: def.Name},
	)
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal: invalid activity definition")
	}
	e.mu.Lock()
	e.activityOpt[def.Name] = def.Options
	e.mu.Unlock()
	e.worker.RegisterActivityWithOptions(def.Handler, activity.RegisterOptions{Name: def.Name})
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}
	if req.RetryPolicy.MaxAttempts > 0 || req.RetryPolicy.InitialInterval > 0 {
		opts.RetryPolicy = convertRetryPolicy(req.RetryPolicy)
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow: %w", err)
	}
	return &workflowHandle{client: e.client, run: run}, nil
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOpt[name]
}

type workflowHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

func convertRetryPolicy(r engine.RetryPolicy) *sdktemporal.RetryPolicy {
	policy := &sdktemporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

var _ engine.Engine = (*Engine)(nil)
