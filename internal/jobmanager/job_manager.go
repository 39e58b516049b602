// ============================================================================
// Stork Job Manager - job table and state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Owns every job record and every legal state transition
//
// Design:
//   jobs map is the single source of truth; nothing outside this package
//   holds a *Job that it mutates. Callers get clones.
//
//   Auxiliary indexes:
//   - inQueue set: ids currently sitting in the scheduler's execution queue,
//     so an id is never queued twice
//   - nextID: monotonically increasing id allocator, persisted in snapshots
//
// State machine:
//
//   Add() ──→ queued
//               │ BeginStep()
//               ↓
//   scheduled ←─ processing ─→ done / failed / paused
//       │            ↑
//       └────────────┘ BeginStep()
//
//   paused ── Resume() ──→ queued
//   any non-terminal ── Remove() ──→ removed
//
//   Terminal states: done, failed, removed. Terminal jobs stay in the table
//   so they can still be queried.
//
//   A step that leaves the job "processing" is an invariant violation; the
//   job is forced to failed.
//
//   A job removed while an executor is mid-step stays removed when the step
//   finishes; the step result is discarded.
//
// Concurrency:
//   - sync.RWMutex guards every structure
//   - reads take RLock, transitions take Lock
//   - no I/O under the lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stork-queue/pkg/ranges"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobNotFound no job with that id
	ErrJobNotFound = errors.New("no such job")
	// ErrJobTerminal the job is done, failed or removed
	ErrJobTerminal = errors.New("job already finished")
	// ErrNotRunnable BeginStep on a job that is not queued or scheduled
	ErrNotRunnable = errors.New("job is not runnable")
	// ErrNotPaused Resume on a job that is not paused
	ErrNotPaused = errors.New("job is not paused")
)

// RemoveOutcome per-id result of a removal
type RemoveOutcome int

const (
	Removed RemoveOutcome = iota
	RemoveNotFound
	RemoveAlreadyFinished
	RemoveServerError
)

func (o RemoveOutcome) String() string {
	switch o {
	case Removed:
		return "removed"
	case RemoveNotFound:
		return "no such job"
	case RemoveAlreadyFinished:
		return "job already finished"
	case RemoveServerError:
		return "server error"
	}
	return fmt.Sprintf("RemoveOutcome(%d)", int(o))
}

// ============================================================================
// Data structures
// ============================================================================

// JobManager job table
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	inQueue map[types.JobID]struct{}
	nextID  types.JobID
}

// Filter selects jobs for List.
type Filter struct {
	Owner    string                   // empty matches every owner
	Statuses map[types.JobStatus]bool // empty matches every status
	Range    *ranges.Range            // nil matches every id
	Reverse  bool                     // newest first
	Limit    int                      // 0 = no limit
}

func (f Filter) match(j *types.Job) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if len(f.Statuses) > 0 && !f.Statuses[j.Status] {
		return false
	}
	if f.Range != nil && !f.Range.Contains(int64(j.ID)) {
		return false
	}
	return true
}

// NewJobManager creates an empty job table. The first id is 1.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		inQueue: make(map[types.JobID]struct{}),
		nextID:  1,
	}
}

// ============================================================================
// Creation and lookup
// ============================================================================

// Add stores a new job and assigns it the next id.
//
// Parameters:
//   - job: task description; ID, Status and timestamps are overwritten
//
// Returns:
//   - *types.Job: a copy of the stored record
func (jm *JobManager) Add(job types.Job) *types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := time.Now().UnixMilli()
	job.ID = jm.nextID
	jm.nextID++
	job.Status = types.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := job.Clone()
	jm.jobs[stored.ID] = stored
	return stored.Clone()
}

// Get returns a copy of the job.
func (jm *JobManager) Get(id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns copies of the matching jobs ordered by id.
func (jm *JobManager) List(f Filter) []*types.Job {
	jm.mu.RLock()
	out := make([]*types.Job, 0)
	for _, job := range jm.jobs {
		if f.match(job) {
			out = append(out, job.Clone())
		}
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if f.Reverse {
			return out[i].ID > out[k].ID
		}
		return out[i].ID < out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ============================================================================
// Execution transitions
// ============================================================================

// Admit marks id as sitting in the execution queue.
//
// Returns:
//   - bool: true when the caller must push id onto the queue; false when it
//     is already queued or an executor currently owns it
//   - error: ErrJobNotFound, ErrJobTerminal, or ErrNotRunnable for paused jobs
func (jm *JobManager) Admit(id types.JobID) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return false, ErrJobTerminal
	}
	if job.Status == types.StatusProcessing {
		return false, nil
	}
	if !job.Status.IsQueueable() {
		return false, fmt.Errorf("%w: %s", ErrNotRunnable, job.Status)
	}
	if _, queued := jm.inQueue[id]; queued {
		return false, nil
	}
	jm.inQueue[id] = struct{}{}
	return true, nil
}

// Withdraw drops id's queue marker; used when the push fails.
func (jm *JobManager) Withdraw(id types.JobID) {
	jm.mu.Lock()
	delete(jm.inQueue, id)
	jm.mu.Unlock()
}

// BeginStep hands a dequeued job to an executor.
//
// Parameters:
//   - id: job taken from the execution queue
//
// Returns:
//   - *types.Job: a copy in state processing for the module to work on
//   - error: ErrJobNotFound, or ErrNotRunnable when the job was removed or
//     otherwise changed while queued
func (jm *JobManager) BeginStep(id types.JobID) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	delete(jm.inQueue, id)
	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Status.IsQueueable() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunnable, job.Status)
	}
	job.Status = types.StatusProcessing
	job.Touch()
	return job.Clone(), nil
}

// FinishStep records what a module step did.
//
// Parameters:
//   - id: job id
//   - worked: the copy the module mutated (progress, attempts, message)
//   - result: state the module returned
//
// Returns:
//   - types.JobStatus: the state actually stored; removed when the job was
//     removed mid-step, failed when result was processing
//   - error: ErrJobNotFound
func (jm *JobManager) FinishStep(id types.JobID, worked *types.Job, result types.JobStatus) (types.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	if job.Status == types.StatusRemoved {
		return types.StatusRemoved, nil
	}

	if worked != nil {
		job.Attempts = worked.Attempts
		job.Progress = worked.Progress
		job.Message = worked.Message
		job.Options = worked.Clone().Options
	}
	if result == types.StatusProcessing || result == "" || result == types.StatusRemoved {
		job.Message = fmt.Sprintf("invalid step result %q", result)
		result = types.StatusFailed
	}
	job.Status = result
	job.Touch()
	return result, nil
}

// Fail forces a non-terminal job to failed, e.g. after a step panicked.
func (jm *JobManager) Fail(id types.JobID, msg string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}
	delete(jm.inQueue, id)
	job.Status = types.StatusFailed
	job.Message = msg
	job.Touch()
	return nil
}

// Resume moves a paused job back to queued.
func (jm *JobManager) Resume(id types.JobID) error {
	return jm.ResumeWithCred(id, "")
}

// ResumeWithCred resumes a paused job and, when token is set, makes it
// the job's credential.
func (jm *JobManager) ResumeWithCred(id types.JobID, token string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, job.Status)
	}
	job.Status = types.StatusQueued
	if token != "" {
		job.Cred = token
	}
	job.Touch()
	return nil
}

// Remove forces a job into removed.
//
// Parameters:
//   - id: job id
//   - reason: stored as the removal reason
//
// Returns:
//   - RemoveOutcome: Removed, RemoveNotFound or RemoveAlreadyFinished
//   - types.JobStatus: the state before removal
func (jm *JobManager) Remove(id types.JobID, reason string) (RemoveOutcome, types.JobStatus) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return RemoveNotFound, ""
	}
	prev := job.Status
	if prev.IsTerminal() {
		return RemoveAlreadyFinished, prev
	}
	delete(jm.inQueue, id)
	job.Status = types.StatusRemoved
	job.RemovalReason = reason
	job.Touch()
	return Removed, prev
}

// ============================================================================
// Statistics
// ============================================================================

// Stats counts jobs per state.
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	counts := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, job := range jm.jobs {
		counts[job.Status]++
	}
	return counts
}

// LastID highest id handed out so far; 0 when none was
func (jm *JobManager) LastID() types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.nextID - 1
}

// Len total number of jobs, terminal included
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// Snapshot returns a deep copy of the table and the id allocator.
func (jm *JobManager) Snapshot() (types.JobID, map[types.JobID]*types.Job) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = job.Clone()
	}
	return jm.nextID, jobs
}

// Restore replaces the table with snapshot contents.
//
// Jobs that were processing when the snapshot was taken are reset to
// scheduled so their step runs again.
//
// Returns:
//   - []types.JobID: runnable ids in ascending order, to be re-enqueued
func (jm *JobManager) Restore(nextID types.JobID, jobs map[types.JobID]*types.Job) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(jobs))
	jm.inQueue = make(map[types.JobID]struct{})
	jm.nextID = 1

	var runnable []types.JobID
	for id, job := range jobs {
		if job == nil {
			continue
		}
		stored := job.Clone()
		stored.ID = id
		if stored.Status == types.StatusProcessing {
			stored.Status = types.StatusScheduled
		}
		jm.jobs[id] = stored
		if stored.Status.IsQueueable() {
			runnable = append(runnable, id)
		}
		if id >= jm.nextID {
			jm.nextID = id + 1
		}
	}
	if nextID > jm.nextID {
		jm.nextID = nextID
	}

	sort.Slice(runnable, func(i, k int) bool { return runnable[i] < runnable[k] })
	return runnable
}
