package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingHooks captures emitted events and interrupt calls for assertions,
// since the default NoopHooks discards everything.
type recordingHooks struct {
	mu         sync.Mutex
	events     []Event
	interrupts []string
}

func (r *recordingHooks) EmitEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingHooks) InterruptTurn(threadID, turnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupts = append(r.interrupts, threadID+"/"+turnID)
	return nil
}

func (r *recordingHooks) interruptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interrupts)
}

func newTestScheduler(t *testing.T, cfg Config, hooks Hooks) *Scheduler {
	t.Helper()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.json")
	if cfg.DispatchTick == 0 {
		cfg.DispatchTick = 5 * time.Millisecond
	}
	sched := New(cfg, hooks, nil)
	require.NoError(t, sched.Start())
	t.Cleanup(func() { sched.Stop(2 * time.Second) })
	return sched
}

// blockingDef runs until its RunContext is signaled, then completes with
// result {"ran":true}.
func blockingDef(jobType string, priority Priority, cancelStrategy CancelStrategy) *Definition {
	return &Definition{
		Type:     jobType,
		Version:  1,
		Priority: priority,
		Retry:    Retry{MaxAttempts: 1},
		Cancel:   Cancel{Strategy: cancelStrategy, GracefulWait: 200 * time.Millisecond},
		Run: func(rc *RunContext, payload json.RawMessage) (json.RawMessage, error) {
			rc.SetRunningContext("thread-1", "turn-1")
			<-rc.Signal()
			return json.Marshal(map[string]bool{"ran": true})
		},
	}
}

func immediateDef(jobType string, priority Priority) *Definition {
	return &Definition{
		Type:     jobType,
		Version:  1,
		Priority: priority,
		Retry:    Retry{MaxAttempts: 1},
		Run: func(rc *RunContext, payload json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]bool{"ran": true})
		},
	}
}

// Scenario 1: single-flight dedupe collapses a burst of enqueues for the same
// key onto the one in-flight job.
func TestEnqueueSingleFlightDedupeCollapsesBurst(t *testing.T) {
	def := &Definition{
		Type:     "suggest_reply",
		Version:  1,
		Priority: PriorityInteractive,
		Retry:    Retry{MaxAttempts: 1},
		Dedupe: Dedupe{
			Mode: DedupeSingleFlight,
			Key: func(payload json.RawMessage) (string, error) {
				var p struct {
					ThreadID string `json:"threadId"`
				}
				if err := json.Unmarshal(payload, &p); err != nil {
					return "", err
				}
				return p.ThreadID, nil
			},
		},
		Run: func(rc *RunContext, payload json.RawMessage) (json.RawMessage, error) {
			<-rc.Signal()
			return json.Marshal(map[string]bool{"ran": true})
		},
	}

	sched := newTestScheduler(t, Config{GlobalConcurrency: 4}, &recordingHooks{})
	require.NoError(t, sched.RegisterDefinition(def))

	first, err := sched.Enqueue(EnqueueRequest{Type: "suggest_reply", ProjectID: "p1", Payload: []byte(`{"threadId":"t1"}`)})
	require.NoError(t, err)
	require.Equal(t, EnqueueStatusCreated, first.Status)

	for i := 0; i < 3; i++ {
		dup, err := sched.Enqueue(EnqueueRequest{Type: "suggest_reply", ProjectID: "p1", Payload: []byte(`{"threadId":"t1"}`)})
		require.NoError(t, err)
		require.Equal(t, EnqueueStatusExisting, dup.Status)
		require.Equal(t, first.Job.ID, dup.Job.ID)
	}

	stats := sched.Stats()
	require.Equal(t, 1, stats.Queued+stats.Running)
}

// Scenario 2: with aging disabled, a background job still completes while
// interactive jobs keep arriving behind it.
func TestDispatchBackgroundJobCompletesUnderInteractiveLoad(t *testing.T) {
	hooks := &recordingHooks{}
	sched := newTestScheduler(t, Config{
		GlobalConcurrency:   1,
		MaxInteractiveBurst: 2,
	}, hooks)
	require.NoError(t, sched.RegisterDefinition(immediateDef("interactive_job", PriorityInteractive)))
	require.NoError(t, sched.RegisterDefinition(immediateDef("background_job", PriorityBackground)))

	bg, err := sched.Enqueue(EnqueueRequest{Type: "background_job", ProjectID: "p1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := sched.Enqueue(EnqueueRequest{Type: "interactive_job", ProjectID: "p1", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	job := sched.WaitForTerminal(bg.Job.ID, 2*time.Second)
	require.NotNil(t, job, "background job should eventually dispatch despite interactive load")
	require.Equal(t, StateCompleted, job.State)
}

// Scenario 3: the interrupt_turn cancel strategy invokes Hooks.InterruptTurn
// with the job's RunningContext and settles the job canceled.
func TestCancelInterruptTurnInvokesHookAndSettles(t *testing.T) {
	hooks := &recordingHooks{}
	sched := newTestScheduler(t, Config{GlobalConcurrency: 4}, hooks)
	require.NoError(t, sched.RegisterDefinition(blockingDef("react_to_file_change", PriorityBackground, CancelInterruptTurn)))

	res, err := sched.Enqueue(EnqueueRequest{Type: "react_to_file_change", ProjectID: "p1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sched.Get(res.Job.ID).State == StateRunning
	}, time.Second, 5*time.Millisecond)

	cancelRes, err := sched.Cancel(res.Job.ID, "stale")
	require.NoError(t, err)
	require.Equal(t, CancelStatusCanceled, cancelRes.Status)
	require.Equal(t, StateCanceled, cancelRes.Job.State)
	require.Equal(t, 1, hooks.interruptCount())
}

// Scenario 4: crash recovery requeues a job that was running when the
// snapshot was last written, and fails it outright once attempts are
// exhausted.
func TestStartRecoversRunningJobsFromSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	now := time.Now()

	requeueable := &Job{
		ID: "job-requeue", Type: "t", ProjectID: "p1", Priority: PriorityBackground,
		State: StateRunning, Attempts: 1, MaxAttempts: 3, CreatedAt: now, StartedAt: &now,
		RunningContext: &RunningContext{ThreadID: "thread-1", TurnID: "turn-1"},
	}
	exhausted := &Job{
		ID: "job-exhausted", Type: "t", ProjectID: "p1", Priority: PriorityBackground,
		State: StateRunning, Attempts: 3, MaxAttempts: 3, CreatedAt: now, StartedAt: &now,
		RunningContext: &RunningContext{ThreadID: "thread-2", TurnID: "turn-2"},
	}
	snap := &Snapshot{Version: snapshotVersion, Jobs: []*Job{requeueable, exhausted}}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	sched := New(Config{GlobalConcurrency: 4, SnapshotPath: path, DispatchTick: 5 * time.Millisecond}, &recordingHooks{}, nil)
	require.NoError(t, sched.RegisterDefinition(immediateDef("t", PriorityBackground)))
	require.NoError(t, sched.Start())
	t.Cleanup(func() { sched.Stop(time.Second) })

	requeuedJob := sched.WaitForTerminal("job-requeue", 2*time.Second)
	require.NotNil(t, requeuedJob)
	require.Equal(t, StateCompleted, requeuedJob.State)

	exhaustedJob := sched.Get("job-exhausted")
	require.Equal(t, StateFailed, exhaustedJob.State)
	require.Nil(t, exhaustedJob.RunningContext)
}

// Scenario 5: capacity limits reject Enqueue once MaxPerProject/MaxGlobal is
// reached by non-terminal jobs.
func TestEnqueueRejectsOverCapacity(t *testing.T) {
	def := blockingDef("capacity_job", PriorityBackground, CancelMarkCanceled)
	sched := newTestScheduler(t, Config{GlobalConcurrency: 4, MaxPerProject: 1}, &recordingHooks{})
	require.NoError(t, sched.RegisterDefinition(def))

	first, err := sched.Enqueue(EnqueueRequest{Type: "capacity_job", ProjectID: "p1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NotNil(t, first.Job)

	_, err = sched.Enqueue(EnqueueRequest{Type: "capacity_job", ProjectID: "p1", Payload: []byte(`{}`)})
	require.Error(t, err)

	_, err = sched.Enqueue(EnqueueRequest{Type: "capacity_job", ProjectID: "p2", Payload: []byte(`{}`)})
	require.NoError(t, err, "a different project should not be blocked by another project's limit")
}

func TestEnqueueUnknownJobTypeFails(t *testing.T) {
	sched := newTestScheduler(t, Config{}, &recordingHooks{})
	_, err := sched.Enqueue(EnqueueRequest{Type: "does_not_exist", ProjectID: "p1", Payload: []byte(`{}`)})
	require.Error(t, err)
}

func TestRetryClassificationRequeuesRetryableFailure(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	def := &Definition{
		Type:     "flaky",
		Version:  1,
		Priority: PriorityInteractive,
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Classify:    func(error) RetryClass { return Retryable },
		},
		Run: func(rc *RunContext, payload json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return nil, errors.New("transient")
			}
			return json.Marshal(map[string]bool{"ran": true})
		},
	}
	sched := newTestScheduler(t, Config{GlobalConcurrency: 4}, &recordingHooks{})
	require.NoError(t, sched.RegisterDefinition(def))

	res, err := sched.Enqueue(EnqueueRequest{Type: "flaky", ProjectID: "p1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	job := sched.WaitForTerminal(res.Job.ID, 2*time.Second)
	require.NotNil(t, job)
	require.Equal(t, StateCompleted, job.State)
	require.Equal(t, 2, job.Attempts)
}
