// ============================================================================
// Stork Job Scheduler - execution queue and executor pool
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Drives every job through module steps until it is terminal
//
// Architecture:
//
//   Submit / Resume / Recover
//          │ Enqueue(id)  (jobmanager.Admit: never twice, never terminal)
//          ↓
//   ┌──────────────┐  Take   ┌────────────────────┐
//   │ queue[JobID] │ ──────→ │ executor pool (N)  │
//   └──────────────┘         └────────────────────┘
//          ↑                          │ BeginStep → module.Step → FinishStep
//          │ scheduled                ↓
//          └────────────────── stored state:
//                                scheduled → back to the tail
//                                paused    → held until Resume
//                                failed    → terminal, logged
//                                done      → terminal
//                                removed   → module.Cancel
//
// Removal:
//   Remove marks the job removed in the table first, then drops it from
//   the queue and either cancels the running step's context or, when no
//   step is running, calls module.Cancel directly. module.Cancel runs
//   exactly once per removed job.
//
// Credentials:
//   Tokens live only in memory and expire. A step whose token is gone
//   pauses the job; ResumeWithCred re-queues it under a new token.
//
// Shutdown:
//   Stop closes the queue and cancels running steps. A step interrupted by
//   shutdown stores scheduled and is re-enqueued by recovery on restart.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/internal/jobmanager"
	"github.com/ChuLiYu/stork-queue/internal/metrics"
	"github.com/ChuLiYu/stork-queue/internal/module"
	"github.com/ChuLiYu/stork-queue/internal/queue"
	"github.com/ChuLiYu/stork-queue/internal/worker"
	"github.com/ChuLiYu/stork-queue/pkg/ranges"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrMissingSource  = errors.New("missing src")
	ErrMissingDest    = errors.New("missing dest")
	ErrModuleMismatch = errors.New("no module handles both src and dest")
	ErrNotOwner       = errors.New("job belongs to another user")
)

// ============================================================================
// Data structures
// ============================================================================

// Deps collaborators shared with the rest of the controller
type Deps struct {
	Jobs    *jobmanager.JobManager
	Modules *module.Table
	Creds   *cred.Manager      // optional
	Metrics *metrics.Collector // optional
}

// Scheduler owns the execution queue and the executors.
type Scheduler struct {
	jobs    *jobmanager.JobManager
	modules *module.Table
	creds   *cred.Manager
	metrics *metrics.Collector

	queue       *queue.Queue[types.JobID]
	pool        *worker.Pool[types.JobID]
	executors   int
	maxAttempts int

	mu      sync.Mutex
	running map[types.JobID]context.CancelFunc

	log *slog.Logger
}

// New creates a scheduler with a fixed number of executors.
//
// Parameters:
//   - d: job table, module table and optional credentials/metrics
//   - executors: pool size (config max_jobs)
//   - maxAttempts: default retry limit for jobs that do not set one
func New(d Deps, executors, maxAttempts int) *Scheduler {
	s := &Scheduler{
		jobs:        d.Jobs,
		modules:     d.Modules,
		creds:       d.Creds,
		metrics:     d.Metrics,
		queue:       queue.New[types.JobID](0),
		executors:   executors,
		maxAttempts: maxAttempts,
		running:     make(map[types.JobID]context.CancelFunc),
		log:         slog.With("component", "scheduler"),
	}
	s.pool = worker.NewPool[types.JobID](s.queue, s.step,
		worker.WithPanicHandler[types.JobID](s.onPanic),
		worker.WithLogger[types.JobID](s.log.With("pool", "executors")),
	)
	return s
}

// Start launches the executors.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx, s.executors); err != nil {
		return fmt.Errorf("start executors: %w", err)
	}
	s.log.Info("scheduler started", "executors", s.executors)
	return nil
}

// Stop closes the queue, interrupts running steps and waits for the
// executors.
func (s *Scheduler) Stop() {
	s.queue.Close()
	s.pool.Stop()
	s.log.Info("scheduler stopped")
}

// ============================================================================
// Core methods
// ============================================================================

// Submit validates a new job, stores it and queues it.
//
// The module is chosen by the source scheme and must also serve the
// destination scheme.
//
// Returns:
//   - *types.Job: the stored job with its id
//   - error: ErrMissingSource, ErrMissingDest, module.ErrBadURI,
//     module.ErrUnknownModule, ErrModuleMismatch, cred errors
func (s *Scheduler) Submit(job types.Job) (*types.Job, error) {
	if job.Src == "" {
		return nil, ErrMissingSource
	}
	if job.Dest == "" {
		return nil, ErrMissingDest
	}
	m, _, err := s.modules.ForURI(job.Src)
	if err != nil {
		return nil, fmt.Errorf("src: %w", err)
	}
	dm, _, err := s.modules.ForURI(job.Dest)
	if err != nil {
		return nil, fmt.Errorf("dest: %w", err)
	}
	if dm.Handle() != m.Handle() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrModuleMismatch, m.Handle(), dm.Handle())
	}
	if job.Cred != "" && s.creds != nil {
		if _, err := s.creds.Get(job.Cred, job.Owner); err != nil {
			return nil, err
		}
	}

	job.Module = m.Handle()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.maxAttempts
	}
	stored := s.jobs.Add(job)
	s.metrics.RecordSubmitted(stored.Module)
	s.log.Info("job submitted", "job", stored.ID, "owner", stored.Owner, "module", stored.Module)

	if err := s.Enqueue(stored.ID); err != nil {
		return stored, err
	}
	return stored, nil
}

// Enqueue puts a queued or scheduled job at the tail of the execution
// queue. Queuing a job that is already queued or running is a no-op;
// terminal jobs are refused.
func (s *Scheduler) Enqueue(id types.JobID) error {
	push, err := s.jobs.Admit(id)
	if err != nil || !push {
		return err
	}
	if err := s.queue.TryPut(id); err != nil {
		s.jobs.Withdraw(id)
		return fmt.Errorf("enqueue job %d: %w", id, err)
	}
	s.metrics.SetJobQueueDepth(s.queue.Len())
	return nil
}

// Recover re-enqueues jobs restored from a snapshot, in id order.
func (s *Scheduler) Recover(ids []types.JobID) int {
	n := 0
	for _, id := range ids {
		if err := s.Enqueue(id); err != nil {
			s.log.Warn("could not re-enqueue restored job", "job", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("restored jobs re-enqueued", "count", n)
	}
	return n
}

// Resume moves a paused job back into the queue.
func (s *Scheduler) Resume(id types.JobID, owner string) error {
	return s.ResumeWithCred(id, owner, "")
}

// ResumeWithCred resumes a paused job under a new credential token, for
// jobs paused because theirs expired.
func (s *Scheduler) ResumeWithCred(id types.JobID, owner, token string) error {
	if err := s.checkOwner(id, owner); err != nil {
		return err
	}
	if token != "" && s.creds != nil {
		if _, err := s.creds.Get(token, owner); err != nil {
			return fmt.Errorf("credential: %w", err)
		}
	}
	if err := s.jobs.ResumeWithCred(id, token); err != nil {
		return err
	}
	s.metrics.RecordTransition(types.StatusQueued)
	return s.Enqueue(id)
}

func (s *Scheduler) checkOwner(id types.JobID, owner string) error {
	job, err := s.jobs.Get(id)
	if err != nil {
		return err
	}
	if owner != "" && job.Owner != owner {
		return ErrNotOwner
	}
	return nil
}

// ============================================================================
// Executor
// ============================================================================

// step runs one module step for a dequeued job.
func (s *Scheduler) step(ctx context.Context, _ int, id types.JobID) {
	s.metrics.SetJobQueueDepth(s.queue.Len())

	job, err := s.jobs.BeginStep(id)
	if err != nil {
		// Removed or resumed-and-requeued while waiting; nothing to do.
		s.log.Debug("skipping dequeued job", "job", id, "reason", err)
		return
	}

	m, err := s.modules.Lookup(job.Module)
	if err != nil {
		s.fail(id, err.Error())
		return
	}

	stepCtx, cancel := context.WithCancel(ctx)
	s.track(id, cancel)
	defer s.untrack(id)

	if job.Cred != "" && s.creds != nil {
		c, err := s.creds.Get(job.Cred, job.Owner)
		switch {
		case errors.Is(err, cred.ErrUnknownToken):
			// Tokens expire and are not persisted; wait for a new one.
			if s.pause(id, job, "credential expired or unknown; resume with a new cred token") == types.StatusRemoved {
				m.Cancel(job)
			}
			return
		case err != nil:
			s.fail(id, fmt.Sprintf("credential: %v", err))
			return
		}
		stepCtx = cred.WithCredential(stepCtx, c)
	}

	start := time.Now()
	result := m.Step(stepCtx, job)
	if result == types.StatusProcessing {
		s.log.Error("module left job processing after a step", "job", id, "module", m.Handle())
	}

	stored, err := s.jobs.FinishStep(id, job, result)
	if err != nil {
		s.log.Error("finish step", "job", id, "error", err)
		return
	}
	s.metrics.RecordStep(stored, time.Since(start).Seconds())
	s.metrics.RecordTransition(stored)

	switch stored {
	case types.StatusScheduled:
		if ctx.Err() != nil {
			// Shutting down; recovery re-enqueues it.
			return
		}
		if err := s.Enqueue(id); err != nil {
			s.log.Warn("reschedule failed", "job", id, "error", err)
		}
	case types.StatusPaused:
		s.log.Info("job paused", "job", id, "message", job.Message)
	case types.StatusFailed:
		s.log.Warn("job failed", "job", id, "attempts", job.Attempts, "message", job.Message)
	case types.StatusDone:
		s.log.Info("job done", "job", id)
	case types.StatusRemoved:
		m.Cancel(job)
	}
}

// pause ends a step that never reached the module.
func (s *Scheduler) pause(id types.JobID, job *types.Job, msg string) types.JobStatus {
	job.Message = msg
	stored, err := s.jobs.FinishStep(id, job, types.StatusPaused)
	if err != nil {
		s.log.Error("finish step", "job", id, "error", err)
		return ""
	}
	s.metrics.RecordTransition(stored)
	if stored == types.StatusPaused {
		s.log.Info("job paused", "job", id, "message", msg)
	}
	return stored
}

func (s *Scheduler) fail(id types.JobID, msg string) {
	if err := s.jobs.Fail(id, msg); err == nil {
		s.metrics.RecordTransition(types.StatusFailed)
		s.log.Warn("job failed", "job", id, "message", msg)
	}
}

// onPanic fails the job whose step panicked; the executor survives.
func (s *Scheduler) onPanic(id types.JobID, recovered any) {
	s.untrack(id)
	s.fail(id, fmt.Sprintf("internal error: %v", recovered))
}

func (s *Scheduler) track(id types.JobID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id types.JobID) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) interrupt(id types.JobID) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ============================================================================
// Removal
// ============================================================================

// Remove forces a job into removed.
//
// Parameters:
//   - id: job id
//   - owner: when non-empty, jobs of other owners report RemoveNotFound
//   - reason: stored as the job's removal reason
func (s *Scheduler) Remove(id types.JobID, owner, reason string) jobmanager.RemoveOutcome {
	if err := s.checkOwner(id, owner); err != nil {
		return jobmanager.RemoveNotFound
	}

	outcome, prev := s.jobs.Remove(id, reason)
	if outcome != jobmanager.Removed {
		return outcome
	}
	s.metrics.RecordTransition(types.StatusRemoved)
	s.log.Info("job removed", "job", id, "reason", reason, "was", prev)

	if n := s.queue.RemoveFunc(func(x types.JobID) bool { return x == id }); n > 0 {
		s.metrics.SetJobQueueDepth(s.queue.Len())
	}

	if prev == types.StatusProcessing {
		// The executor calls module.Cancel when the step returns.
		s.interrupt(id)
		return outcome
	}

	job, err := s.jobs.Get(id)
	if err != nil {
		return outcome
	}
	if m, err := s.modules.Lookup(job.Module); err == nil {
		m.Cancel(job)
	}
	return outcome
}

// Aggregate summary of a bulk removal
type Aggregate int

const (
	AllRemoved Aggregate = iota
	NoneRemoved
	SomeRemoved
)

func (a Aggregate) String() string {
	switch a {
	case AllRemoved:
		return "all"
	case NoneRemoved:
		return "none"
	}
	return "partial"
}

// RemoveReport per-id outcomes of a bulk removal
type RemoveReport struct {
	Outcomes map[types.JobID]jobmanager.RemoveOutcome
	Removed  ranges.Range
	Kept     ranges.Range
	// Unknown ids above the highest one ever allocated; also in Kept.
	Unknown ranges.Range
}

// Outcome result for one id of the removed range.
func (r RemoveReport) Outcome(id types.JobID) jobmanager.RemoveOutcome {
	if o, ok := r.Outcomes[id]; ok {
		return o
	}
	return jobmanager.RemoveNotFound
}

// Aggregate distinguishes all / none / partial.
func (r RemoveReport) Aggregate() Aggregate {
	switch {
	case r.Kept.IsEmpty():
		return AllRemoved
	case r.Removed.IsEmpty():
		return NoneRemoved
	}
	return SomeRemoved
}

// RemoveRange removes every id in r and reports each outcome. A panic
// while removing one id is reported as RemoveServerError for that id and
// does not stop the rest. Ids above the highest allocated one are never
// visited; they are reported as one Unknown span.
func (s *Scheduler) RemoveRange(r ranges.Range, owner, reason string) RemoveReport {
	rep := RemoveReport{Outcomes: make(map[types.JobID]jobmanager.RemoveOutcome)}
	known, unknown := s.Known(r)
	known.Each(func(raw int64) bool {
		id := types.JobID(raw)
		outcome := s.safeRemove(id, owner, reason)
		rep.Outcomes[id] = outcome
		if outcome == jobmanager.Removed {
			rep.Removed.Add(raw)
		} else {
			rep.Kept.Add(raw)
		}
		return true
	})
	rep.Unknown = unknown
	rep.Kept.Merge(unknown)
	return rep
}

// Known bounds r to ids that were ever allocated.
func (s *Scheduler) Known(r ranges.Range) (known, unknown ranges.Range) {
	return r.Split(int64(s.jobs.LastID()))
}

func (s *Scheduler) safeRemove(id types.JobID, owner, reason string) (outcome jobmanager.RemoveOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("remove panicked", "job", id, "panic", r)
			outcome = jobmanager.RemoveServerError
		}
	}()
	return s.Remove(id, owner, reason)
}

// ============================================================================
// Inspection
// ============================================================================

// QueueLen number of ids waiting for an executor
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Running number of executors inside a step
func (s *Scheduler) Running() int {
	return s.pool.Busy()
}

// Executors configured pool size
func (s *Scheduler) Executors() int {
	return s.executors
}
