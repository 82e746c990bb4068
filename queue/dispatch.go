package queue

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jmillpps/codex-manager/errtypes"
)

// loop is the scheduler's single dispatch goroutine. Every job state
// transition it triggers happens from here or from Enqueue/Cancel/Stop, all
// of which serialize through mu; this is what gives the scheduler its
// single-writer semantics without an explicit actor/mailbox.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
			s.dispatchTick()
		case <-ticker.C:
			s.dispatchTick()
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatchTick admits as many eligible jobs as the concurrency budget allows,
// one at a time, re-evaluating eligibility after each admission.
func (s *Scheduler) dispatchTick() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.running) >= s.cfg.GlobalConcurrency {
			s.mu.Unlock()
			return
		}
		job := s.selectNextLocked()
		if job == nil {
			s.mu.Unlock()
			return
		}
		def := s.defs[job.Type]
		rj := s.startRunLocked(job)
		clone := job.clone()
		s.mu.Unlock()

		if def.OnStarted != nil {
			def.OnStarted(clone)
		}
		s.hooks.EmitEvent(Event{Type: EventJobStarted, Payload: clone})
		go s.runJob(job.ID, def, rj)
	}
}

// selectNextLocked picks the next queued job eligible for dispatch, enforcing
// interactive/background fairness. mu must be held by the caller.
//
// BackgroundAging == 0 disables the wall-clock aging check entirely, leaving
// MaxInteractiveBurst as the sole anti-starvation mechanism: a zero aging
// threshold would be satisfied by any queued background job the instant it
// exists (age >= 0 always holds), which would defeat interactive priority
// outright rather than merely bound it. See DESIGN.md.
func (s *Scheduler) selectNextLocked() *Job {
	now := time.Now()
	var interactive, background []*Job
	for _, j := range s.jobs {
		if j.State != StateQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if j.Priority == PriorityInteractive {
			interactive = append(interactive, j)
		} else {
			background = append(background, j)
		}
	}
	sort.Slice(interactive, func(i, k int) bool { return interactive[i].CreatedAt.Before(interactive[k].CreatedAt) })
	sort.Slice(background, func(i, k int) bool { return background[i].CreatedAt.Before(background[k].CreatedAt) })

	preferBackground := false
	if len(background) > 0 {
		if s.cfg.BackgroundAging > 0 && now.Sub(background[0].CreatedAt) >= s.cfg.BackgroundAging {
			preferBackground = true
		}
		if s.interactiveBurst >= s.cfg.MaxInteractiveBurst {
			preferBackground = true
		}
	}

	if preferBackground {
		s.interactiveBurst = 0
		return background[0]
	}
	if len(interactive) > 0 {
		s.interactiveBurst++
		return interactive[0]
	}
	if len(background) > 0 {
		s.interactiveBurst = 0
		return background[0]
	}
	return nil
}

// startRunLocked transitions job into the running state and registers its
// control channels. mu must be held by the caller.
func (s *Scheduler) startRunLocked(job *Job) *runningJob {
	now := time.Now()
	job.State = StateRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Attempts++
	job.LastAttemptAt = &now
	job.NextAttemptAt = nil
	job.CancelRequestedAt = nil
	s.persistLockedBestEffort()

	rj := &runningJob{cancelCh: make(chan struct{}), done: make(chan struct{})}
	s.running[job.ID] = rj
	return rj
}

type runOutcome struct {
	result []byte
	err    error
}

// runJob executes one attempt of def.Run for jobID, enforcing def.Timeout,
// and hands the outcome to completeRun. On timeout the attempt's cancel
// signal is closed and the attempt is settled at once with a timeout error;
// the underlying goroutine is not killed, and whatever it returns later is
// left unread in its buffered result channel.
func (s *Scheduler) runJob(jobID string, def *Definition, rj *runningJob) {
	s.mu.RLock()
	job := s.jobs[jobID]
	payload := append([]byte(nil), job.Payload...)
	rc := &RunContext{
		Context:         rootContext(),
		JobID:           jobID,
		ProjectID:       job.ProjectID,
		SourceSessionID: job.SourceSessionID,
		Attempt:         job.Attempts,
		signal:          rj.cancelCh,
	}
	s.mu.RUnlock()
	rc.setRunningContext = func(threadID, turnID string) { s.setRunningContext(jobID, threadID, turnID) }
	rc.emitProgress = func(p any) { s.emitProgress(jobID, p) }

	resultCh := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := def.Run(rc, payload)
		resultCh <- runOutcome{result: res, err: err}
	}()

	var outcome runOutcome
	if def.Timeout > 0 {
		timer := time.NewTimer(def.Timeout)
		select {
		case outcome = <-resultCh:
			timer.Stop()
		case <-timer.C:
			rj.cancelOnce.Do(func() { close(rj.cancelCh) })
			outcome = runOutcome{err: errtypes.NewRunError(fmt.Errorf(string(errtypes.CodeTimeout)))}
		}
	} else {
		outcome = <-resultCh
	}

	s.completeRun(jobID, def, rj, outcome)
}

// completeRun applies the outcome of one attempt under mu, unless the job has
// already been force-settled by Cancel/Stop (in which case the outcome is
// discarded). It always closes rj.done exactly once.
func (s *Scheduler) completeRun(jobID string, def *Definition, rj *runningJob, outcome runOutcome) {
	s.mu.Lock()
	cur, tracked := s.running[jobID]
	if !tracked || cur != rj {
		s.mu.Unlock()
		close(rj.done)
		return
	}
	job := s.jobs[jobID]
	delete(s.running, jobID)

	if outcome.err == nil {
		if verr := validateAgainstSchema(def.ResultSchema, outcome.result); verr != nil {
			outcome.err = fmt.Errorf("result schema validation failed: %w", verr)
		}
	}

	var (
		cb      func(*Job)
		hookEvt EventType
	)
	if job.CancelRequestedAt != nil {
		// Cancel was requested and the run settled within the graceful wait.
		s.terminalizeLocked(job, StateCanceled, "")
		cb, hookEvt = def.OnCanceled, EventJobCanceled
	} else if outcome.err == nil {
		now := time.Now()
		job.State = StateCompleted
		job.Result = outcome.result
		job.CompletedAt = &now
		cb, hookEvt = def.OnCompleted, EventJobCompleted
	} else {
		job.Error = errtypes.String(outcome.err)
		class := Fatal
		if def.Retry.Classify != nil {
			class = def.Retry.Classify(outcome.err)
		}
		if class == Retryable && job.Attempts < job.MaxAttempts {
			delay := s.retryDelay(def, job.Attempts)
			next := time.Now().Add(delay)
			job.State = StateQueued
			job.NextAttemptAt = &next
			job.RunningContext = nil
		} else {
			now := time.Now()
			job.State = StateFailed
			job.CompletedAt = &now
			cb, hookEvt = def.OnFailed, EventJobFailed
		}
	}
	job.RunningContext = nil
	s.persistLockedBestEffort()
	finalState := job.State
	clone := job.clone()
	s.mu.Unlock()

	if hookEvt != "" {
		s.fireTerminal(cb, hookEvt, clone)
	} else if finalState == StateQueued {
		// Retrying: no terminal hook, but the job is eligible again.
	}
	s.wake()
	close(rj.done)
}

// forceSettle marks jobID canceled with errMsg if it is still tracked as
// running under rj; if the job already settled naturally (or was already
// force-settled), it is a no-op that just returns the current state.
func (s *Scheduler) forceSettle(jobID string, rj *runningJob, errMsg string) *Job {
	s.mu.Lock()
	cur, tracked := s.running[jobID]
	job := s.jobs[jobID]
	if !tracked || cur != rj {
		clone := job.clone()
		s.mu.Unlock()
		return clone
	}
	rj.detached = true
	delete(s.running, jobID)
	s.terminalizeLocked(job, StateCanceled, errMsg)
	s.persistLockedBestEffort()
	clone := job.clone()
	def := s.defs[job.Type]
	s.mu.Unlock()

	s.fireTerminal(def.OnCanceled, EventJobCanceled, clone)
	s.wake()
	return clone
}

// terminalizeLocked transitions job to state with the given error/reason
// message. mu must be held by the caller.
func (s *Scheduler) terminalizeLocked(job *Job, state State, reason string) {
	now := time.Now()
	job.State = state
	job.CompletedAt = &now
	if reason != "" {
		job.Error = reason
	}
	job.RunningContext = nil
}

// fireTerminal invokes the lifecycle callback, emits the hook event, and
// notifies any WaitForTerminal waiters, all outside mu.
func (s *Scheduler) fireTerminal(cb func(*Job), evt EventType, job *Job) {
	if cb != nil {
		cb(job)
	}
	if evt != "" {
		s.hooks.EmitEvent(Event{Type: evt, Payload: job})
	}
	s.notifyWaiters(job.ID, job)
}

func (s *Scheduler) notifyWaiters(jobID string, job *Job) {
	s.mu.Lock()
	chans := s.waiters[jobID]
	delete(s.waiters, jobID)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- job.clone()
	}
}

func (s *Scheduler) setRunningContext(jobID, threadID, turnID string) {
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.RunningContext = &RunningContext{ThreadID: threadID, TurnID: turnID}
		s.persistLockedBestEffort()
	}
	s.mu.Unlock()
}

func (s *Scheduler) emitProgress(jobID string, progress any) {
	s.mu.RLock()
	job := s.jobs[jobID].clone()
	s.mu.RUnlock()
	if job == nil {
		return
	}
	evt := Event{Type: EventJobProgress, Payload: struct {
		JobID    string `json:"jobId"`
		Progress any    `json:"progress"`
	}{JobID: jobID, Progress: progress}}
	if job.RunningContext != nil {
		evt.ThreadID = job.RunningContext.ThreadID
	}
	s.hooks.EmitEvent(evt)
}

// retryDelay computes the backoff before the next attempt, defaulting to
// exponential backoff with optional jitter when the definition does not
// supply DelayForAttempt.
func (s *Scheduler) retryDelay(def *Definition, attemptsSoFar int) time.Duration {
	if def.Retry.DelayForAttempt != nil {
		return def.Retry.DelayForAttempt(attemptsSoFar)
	}
	base := def.Retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<uint(attemptsSoFar-1))
	if def.Retry.MaxDelay > 0 && d > def.Retry.MaxDelay {
		d = def.Retry.MaxDelay
	}
	if def.Retry.Jitter {
		factor := 0.5 + rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// persistLockedBestEffort saves the snapshot, logging (not propagating) any
// failure: a failed snapshot write must not block the dispatch loop, and the
// scheduler's in-memory state remains authoritative until the next
// successful save.
func (s *Scheduler) persistLockedBestEffort() {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	if err := s.store.Save(&Snapshot{Version: snapshotVersion, Jobs: jobs}); err != nil {
		s.logger.Error(rootContext(), "snapshot save failed", "error", err.Error())
	}
}
