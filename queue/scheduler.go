package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmillpps/codex-manager/errtypes"
	"github.com/jmillpps/codex-manager/telemetry"
)

// Config bounds the scheduler's capacity and fairness behavior. Zero-valued
// fields are replaced with the defaults documented in §5 of the
// specification, except BackgroundAging, whose zero value disables aging.
type Config struct {
	// GlobalConcurrency caps the number of jobs running simultaneously.
	GlobalConcurrency int
	// MaxGlobal caps the number of non-terminal jobs across all projects.
	MaxGlobal int
	// MaxPerProject caps the number of non-terminal jobs within one project.
	MaxPerProject int
	// BackgroundAging is the age a background job must reach before it is
	// preferred over further interactive dispatch. Zero disables
	// wall-clock-driven aging, leaving MaxInteractiveBurst as the sole
	// anti-starvation mechanism (see DESIGN.md).
	BackgroundAging time.Duration
	// MaxInteractiveBurst is the number of consecutive interactive dispatches
	// allowed before the next dispatch must prefer background work.
	MaxInteractiveBurst int
	// SnapshotPath is the file the scheduler persists its state to.
	SnapshotPath string
	// DispatchTick is the periodic fallback interval that re-evaluates
	// dispatch eligibility even absent an explicit notify (needed so jobs
	// whose NextAttemptAt has elapsed are picked up).
	DispatchTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 4
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 1 << 20
	}
	if c.MaxPerProject <= 0 {
		c.MaxPerProject = 1 << 20
	}
	if c.MaxInteractiveBurst <= 0 {
		c.MaxInteractiveBurst = 3
	}
	if c.DispatchTick <= 0 {
		c.DispatchTick = 50 * time.Millisecond
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "orchestrator-jobs.json"
	}
	return c
}

// runningJob tracks the control channels for one in-flight attempt.
type runningJob struct {
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	detached   bool
}

// Scheduler is the durable priority job queue described in §4.1. It owns the
// in-memory job table and the on-disk snapshot; all state-changing
// transitions happen while holding mu, giving single-writer semantics
// regardless of how many goroutines call into the public API concurrently.
type Scheduler struct {
	cfg    Config
	hooks  Hooks
	logger telemetry.Logger
	store  *snapshotStore

	mu      sync.RWMutex
	jobs    map[string]*Job
	defs    map[string]*Definition
	running map[string]*runningJob
	waiters map[string][]chan *Job

	interactiveBurst int
	stopped          bool
	started          bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Call RegisterDefinition for every job type
// before Start.
func New(cfg Config, hooks Hooks, logger telemetry.Logger) *Scheduler {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		store:   newSnapshotStore(cfg.SnapshotPath),
		jobs:    make(map[string]*Job),
		defs:    make(map[string]*Definition),
		running: make(map[string]*runningJob),
		waiters: make(map[string][]chan *Job),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// RegisterDefinition registers def, keyed by def.Type. Must be called before
// Start; registering a duplicate type is a programmer error.
func (s *Scheduler) RegisterDefinition(def *Definition) error {
	if def == nil || def.Type == "" || def.Run == nil {
		return fmt.Errorf("queue: invalid job definition")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.defs[def.Type]; dup {
		return fmt.Errorf("queue: job type %q already registered", def.Type)
	}
	s.defs[def.Type] = def
	return nil
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	Type            string
	ProjectID       string
	SourceSessionID string
	Payload         []byte
}

// EnqueueStatus reports how Enqueue resolved a request.
type EnqueueStatus string

const (
	EnqueueStatusCreated  EnqueueStatus = "enqueued"
	EnqueueStatusExisting EnqueueStatus = "already_queued"
)

// EnqueueResult is the output of a successful Enqueue call.
type EnqueueResult struct {
	Status EnqueueStatus
	Job    *Job
}

// Enqueue admits a new job or reconciles it against an in-flight dedupe peer.
// See §4.1 for the full admission/dedupe contract.
func (s *Scheduler) Enqueue(req EnqueueRequest) (*EnqueueResult, error) {
	s.mu.Lock()

	def, ok := s.defs[req.Type]
	if !ok {
		s.mu.Unlock()
		return nil, errtypes.InvalidPayload("unknown job type %q", req.Type)
	}
	if err := validateAgainstSchema(def.PayloadSchema, req.Payload); err != nil {
		s.mu.Unlock()
		return nil, errtypes.InvalidPayload("payload failed schema validation: %v", err)
	}

	var dedupeKey string
	if def.Dedupe.Mode != DedupeNone && def.Dedupe.Key != nil {
		key, err := def.Dedupe.Key(req.Payload)
		if err != nil {
			s.mu.Unlock()
			return nil, errtypes.InvalidPayload("dedupe key derivation failed: %v", err)
		}
		dedupeKey = key
	}

	if dedupeKey != "" {
		if existing := s.findDedupePeerLocked(req.Type, dedupeKey); existing != nil {
			result, err := s.reconcileDedupeLocked(def, existing, req.Payload)
			s.mu.Unlock()
			return result, err
		}
	}

	if err := s.checkCapacityLocked(req.ProjectID); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	job := &Job{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Version:         def.Version,
		ProjectID:       req.ProjectID,
		SourceSessionID: req.SourceSessionID,
		Priority:        def.Priority,
		State:           StateQueued,
		DedupeKey:       dedupeKey,
		Payload:         req.Payload,
		MaxAttempts:     def.Retry.MaxAttempts,
		CreatedAt:       now,
	}
	s.jobs[job.ID] = job
	s.persistLockedBestEffort()
	clone := job.clone()
	s.mu.Unlock()

	if def.OnQueued != nil {
		def.OnQueued(clone)
	}
	s.hooks.EmitEvent(Event{Type: EventJobQueued, Payload: clone})
	s.wake()

	return &EnqueueResult{Status: EnqueueStatusCreated, Job: clone}, nil
}

func (s *Scheduler) findDedupePeerLocked(jobType, dedupeKey string) *Job {
	for _, j := range s.jobs {
		if j.Type == jobType && j.DedupeKey == dedupeKey && !j.State.Terminal() {
			return j
		}
	}
	return nil
}

// reconcileDedupeLocked must be called with mu held. It implements the three
// non-"none" dedupe modes.
func (s *Scheduler) reconcileDedupeLocked(def *Definition, existing *Job, incoming []byte) (*EnqueueResult, error) {
	if def.Dedupe.Mode == DedupeMergeDuplicate && def.Dedupe.Merge != nil && existing.State == StateQueued {
		merged, err := def.Dedupe.Merge(existing.Payload, incoming)
		if err != nil {
			return nil, errtypes.InvalidPayload("merge_duplicate failed: %v", err)
		}
		existing.Payload = merged
		s.persistLockedBestEffort()
	}
	return &EnqueueResult{Status: EnqueueStatusExisting, Job: existing.clone()}, nil
}

func (s *Scheduler) checkCapacityLocked(projectID string) error {
	var global, project int
	for _, j := range s.jobs {
		if j.State.Terminal() {
			continue
		}
		global++
		if j.ProjectID == projectID {
			project++
		}
	}
	if project+1 > s.cfg.MaxPerProject {
		return errtypes.QueueFull("project", s.cfg.MaxPerProject)
	}
	if global+1 > s.cfg.MaxGlobal {
		return errtypes.QueueFull("global", s.cfg.MaxGlobal)
	}
	return nil
}

// Get returns a copy of the job with id, or nil if unknown.
func (s *Scheduler) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id].clone()
}

// ListByProject returns jobs for projectID, ordered by CreatedAt ascending,
// optionally filtered to a single state.
func (s *Scheduler) ListByProject(projectID string, stateFilter *State) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.ProjectID != projectID {
			continue
		}
		if stateFilter != nil && j.State != *stateFilter {
			continue
		}
		out = append(out, j.clone())
	}
	sortJobsByCreatedAt(out)
	return out
}

// Stats summarizes the current job table.
type Stats struct {
	Queued       int
	Running      int
	TotalByState map[State]int
}

// Stats returns a point-in-time summary of the job table.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{TotalByState: make(map[State]int, 5)}
	for _, j := range s.jobs {
		stats.TotalByState[j.State]++
		switch j.State {
		case StateQueued:
			stats.Queued++
		case StateRunning:
			stats.Running++
		}
	}
	return stats
}

// CancelStatus reports how Cancel resolved a request.
type CancelStatus string

const (
	CancelStatusCanceled   CancelStatus = "canceled"
	CancelStatusTerminal   CancelStatus = "already_terminal"
	CancelStatusNotFound   CancelStatus = "not_found"
)

// CancelResult is the output of Cancel.
type CancelResult struct {
	Status CancelStatus
	Job    *Job
}

// Cancel requests cancellation of jobID. See §4.1 for the full
// queued-vs-running, cooperative-vs-forced contract.
func (s *Scheduler) Cancel(jobID string, reason string) (*CancelResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return &CancelResult{Status: CancelStatusNotFound}, nil
	}
	if job.State.Terminal() {
		clone := job.clone()
		s.mu.Unlock()
		return &CancelResult{Status: CancelStatusTerminal, Job: clone}, nil
	}
	def := s.defs[job.Type]

	if job.State == StateQueued {
		s.terminalizeLocked(job, StateCanceled, reason)
		s.persistLockedBestEffort()
		clone := job.clone()
		s.mu.Unlock()
		s.fireTerminal(def.OnCanceled, EventJobCanceled, clone)
		return &CancelResult{Status: CancelStatusCanceled, Job: clone}, nil
	}

	// Running: signal cooperatively, then wait up to GracefulWait.
	now := time.Now()
	job.CancelRequestedAt = &now
	job.Error = reason
	rj := s.running[jobID]
	rc := job.RunningContext
	s.mu.Unlock()

	if rj == nil {
		// Defensive: should not happen if State==Running, but avoid a nil panic.
		return &CancelResult{Status: CancelStatusCanceled, Job: s.Get(jobID)}, nil
	}

	rj.cancelOnce.Do(func() { close(rj.cancelCh) })
	if def.Cancel.Strategy == CancelInterruptTurn && rc != nil {
		if err := s.hooks.InterruptTurn(rc.ThreadID, rc.TurnID); err != nil {
			s.logger.Warn(context.Background(), "interrupt turn hook failed", "jobId", jobID, "error", err.Error())
		}
	}

	select {
	case <-rj.done:
	case <-time.After(def.Cancel.GracefulWait):
	}
	clone := s.forceSettle(jobID, rj, "interrupt_timeout")
	return &CancelResult{Status: CancelStatusCanceled, Job: clone}, nil
}

// WaitForTerminal blocks until jobID reaches a terminal state or timeout
// elapses, returning nil on timeout or for an unknown job.
func (s *Scheduler) WaitForTerminal(jobID string, timeout time.Duration) *Job {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if job.State.Terminal() {
		clone := job.clone()
		s.mu.Unlock()
		return clone
	}
	ch := make(chan *Job, 1)
	s.waiters[jobID] = append(s.waiters[jobID], ch)
	s.mu.Unlock()

	if timeout <= 0 {
		return <-ch
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case j := <-ch:
		return j
	case <-timer.C:
		return nil
	}
}

// Start loads the snapshot, recovers crashed in-flight jobs, and begins
// dispatching.
func (s *Scheduler) Start() error {
	snap, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("queue: start: %w", err)
	}

	s.mu.Lock()
	for _, j := range snap.Jobs {
		if j.State == StateRunning {
			j.RunningContext = nil
			if j.Attempts < j.MaxAttempts {
				j.State = StateQueued
				j.NextAttemptAt = nil
			} else {
				now := time.Now()
				j.State = StateFailed
				j.Error = string(errtypes.CodeRecoveryMaxAttempts)
				j.CompletedAt = &now
			}
		}
		s.jobs[j.ID] = j
	}
	s.persistLockedBestEffort()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.wake()
	return nil
}

// Stop stops accepting dispatch, waits up to drainMs for running jobs to
// settle cooperatively, then force-cancels any stragglers with
// "shutdown_timeout". Stop always returns within roughly drainMs.
func (s *Scheduler) Stop(drainMs time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(drainMs)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait := time.Until(deadline)
			s.mu.RLock()
			rj := s.running[id]
			s.mu.RUnlock()
			if rj == nil {
				return
			}
			if wait > 0 {
				select {
				case <-rj.done:
				case <-time.After(wait):
				}
			}
			s.forceSettle(id, rj, "shutdown_timeout")
			rj.cancelOnce.Do(func() { close(rj.cancelCh) })
		}()
	}
	wg.Wait()

	close(s.stopCh)
	s.wg.Wait()
}

// rootContext is the base context for job run invocations and background
// logging calls that have no caller-supplied context to inherit from.
func rootContext() context.Context { return context.Background() }

func sortJobsByCreatedAt(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.Before(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}
