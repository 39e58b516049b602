package jobmanager

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stork-queue/pkg/ranges"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a test Job
func newTestJob(owner string) types.Job {
	return types.Job{
		Owner:       owner,
		Module:      "file",
		Src:         "file:///tmp/src",
		Dest:        "file:///tmp/dest",
		MaxAttempts: 3,
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := jm.Get(id)
	require.NoError(t, err)
	assert.Equal(t, want, job.Status, "job %d status", id)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAdd_AssignsMonotonicIDs(t *testing.T) {
	jm := NewJobManager()
	assert.Equal(t, types.JobID(0), jm.LastID())

	a := jm.Add(newTestJob("a@x"))
	b := jm.Add(newTestJob("b@x"))
	assert.Equal(t, types.JobID(2), jm.LastID())

	assert.Equal(t, types.JobID(1), a.ID)
	assert.Equal(t, types.JobID(2), b.ID)
	assert.Equal(t, types.StatusQueued, a.Status)
	assert.NotZero(t, a.CreatedAt)

	// Returned copies are detached from the table.
	a.Status = types.StatusDone
	assertJobStatus(t, jm, 1, types.StatusQueued)
}

func TestAdmit(t *testing.T) {
	jm := NewJobManager()
	job := jm.Add(newTestJob("a@x"))

	push, err := jm.Admit(job.ID)
	require.NoError(t, err)
	assert.True(t, push)

	push, err = jm.Admit(job.ID)
	require.NoError(t, err)
	assert.False(t, push, "already queued")

	_, err = jm.Admit(99)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = jm.BeginStep(job.ID)
	require.NoError(t, err)
	push, err = jm.Admit(job.ID)
	require.NoError(t, err)
	assert.False(t, push, "executor owns it")

	_, err = jm.FinishStep(job.ID, nil, types.StatusDone)
	require.NoError(t, err)
	_, err = jm.Admit(job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal, "terminal jobs are never re-enqueued")
}

func TestStepTransitions(t *testing.T) {
	tests := []struct {
		name   string
		result types.JobStatus
		want   types.JobStatus
	}{
		{"scheduled", types.StatusScheduled, types.StatusScheduled},
		{"paused", types.StatusPaused, types.StatusPaused},
		{"done", types.StatusDone, types.StatusDone},
		{"failed", types.StatusFailed, types.StatusFailed},
		{"processing is a violation", types.StatusProcessing, types.StatusFailed},
		{"empty is a violation", "", types.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			job := jm.Add(newTestJob("a@x"))
			_, _ = jm.Admit(job.ID)

			worked, err := jm.BeginStep(job.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusProcessing, worked.Status)

			worked.Attempts = 1
			worked.Progress = types.Progress{Done: 10, Total: 20}
			got, err := jm.FinishStep(job.ID, worked, tt.result)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			stored, _ := jm.Get(job.ID)
			assert.Equal(t, tt.want, stored.Status)
			assert.Equal(t, int64(10), stored.Progress.Done)
			assert.Equal(t, 1, stored.Attempts)
		})
	}
}

func TestFinishStep_KeepsModuleOptionChanges(t *testing.T) {
	jm := NewJobManager()
	j := newTestJob("a@x")
	j.Options = map[string]string{"hold": "true", "mode": "fast"}
	job := jm.Add(j)

	worked, err := jm.BeginStep(job.ID)
	require.NoError(t, err)
	delete(worked.Options, "hold")
	_, err = jm.FinishStep(job.ID, worked, types.StatusPaused)
	require.NoError(t, err)

	stored, _ := jm.Get(job.ID)
	assert.Equal(t, map[string]string{"mode": "fast"}, stored.Options)
}

func TestBeginStep_RejectsRemovedJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.Add(newTestJob("a@x"))
	_, _ = jm.Admit(job.ID)

	outcome, prev := jm.Remove(job.ID, "removed by user")
	assert.Equal(t, Removed, outcome)
	assert.Equal(t, types.StatusQueued, prev)

	_, err := jm.BeginStep(job.ID)
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestRemove_DuringStepWins(t *testing.T) {
	jm := NewJobManager()
	job := jm.Add(newTestJob("a@x"))
	worked, err := jm.BeginStep(job.ID)
	require.NoError(t, err)

	outcome, prev := jm.Remove(job.ID, "removed by user (stop)")
	assert.Equal(t, Removed, outcome)
	assert.Equal(t, types.StatusProcessing, prev)

	got, err := jm.FinishStep(job.ID, worked, types.StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRemoved, got)

	stored, _ := jm.Get(job.ID)
	assert.Equal(t, "removed by user (stop)", stored.RemovalReason)
}

func TestRemove_Outcomes(t *testing.T) {
	jm := NewJobManager()
	done := jm.Add(newTestJob("a@x"))
	_, _ = jm.BeginStep(done.ID)
	_, _ = jm.FinishStep(done.ID, nil, types.StatusDone)

	outcome, _ := jm.Remove(done.ID, "x")
	assert.Equal(t, RemoveAlreadyFinished, outcome)

	outcome, _ = jm.Remove(42, "x")
	assert.Equal(t, RemoveNotFound, outcome)
	assert.Equal(t, "no such job", outcome.String())
}

func TestResume(t *testing.T) {
	jm := NewJobManager()
	job := jm.Add(newTestJob("a@x"))

	assert.ErrorIs(t, jm.Resume(job.ID), ErrNotPaused)

	_, _ = jm.BeginStep(job.ID)
	_, _ = jm.FinishStep(job.ID, nil, types.StatusPaused)

	_, err := jm.Admit(job.ID)
	assert.ErrorIs(t, err, ErrNotRunnable, "paused jobs stay out of the queue")

	require.NoError(t, jm.Resume(job.ID))
	assertJobStatus(t, jm, job.ID, types.StatusQueued)
	push, err := jm.Admit(job.ID)
	require.NoError(t, err)
	assert.True(t, push)
}

func TestFail(t *testing.T) {
	jm := NewJobManager()
	job := jm.Add(newTestJob("a@x"))
	_, _ = jm.BeginStep(job.ID)

	require.NoError(t, jm.Fail(job.ID, "panic in module"))
	stored, _ := jm.Get(job.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, "panic in module", stored.Message)

	assert.ErrorIs(t, jm.Fail(job.ID, "again"), ErrJobTerminal)
}

func TestList(t *testing.T) {
	jm := NewJobManager()
	for i := 0; i < 3; i++ {
		jm.Add(newTestJob("a@x"))
	}
	jm.Add(newTestJob("b@x"))
	jm.Remove(2, "x")

	all := jm.List(Filter{})
	assert.Len(t, all, 4)
	assert.Equal(t, types.JobID(1), all[0].ID)

	mine := jm.List(Filter{Owner: "a@x"})
	assert.Len(t, mine, 3)

	queued := jm.List(Filter{Statuses: map[types.JobStatus]bool{types.StatusQueued: true}})
	assert.Len(t, queued, 3)

	r, err := ranges.Parse("2-3")
	require.NoError(t, err)
	ranged := jm.List(Filter{Range: &r, Reverse: true})
	require.Len(t, ranged, 2)
	assert.Equal(t, types.JobID(3), ranged[0].ID)

	limited := jm.List(Filter{Limit: 1, Reverse: true})
	require.Len(t, limited, 1)
	assert.Equal(t, types.JobID(4), limited[0].ID)
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	jm.Add(newTestJob("a@x"))
	job := jm.Add(newTestJob("a@x"))
	jm.Remove(job.ID, "x")

	stats := jm.Stats()
	assert.Equal(t, 1, stats[types.StatusQueued])
	assert.Equal(t, 1, stats[types.StatusRemoved])
	assert.Equal(t, 2, jm.Len())
}

// ============================================================================
// Snapshot and restore
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	jm := NewJobManager()
	a := jm.Add(newTestJob("a@x"))
	b := jm.Add(newTestJob("a@x"))
	c := jm.Add(newTestJob("b@x"))
	_, _ = jm.BeginStep(b.ID) // mid-step at snapshot time
	jm.Remove(c.ID, "gone")

	nextID, jobs := jm.Snapshot()
	assert.Equal(t, types.JobID(4), nextID)

	restored := NewJobManager()
	runnable := restored.Restore(nextID, jobs)
	assert.Equal(t, []types.JobID{a.ID, b.ID}, runnable)
	assertJobStatus(t, restored, b.ID, types.StatusScheduled)

	// Everything except the replayed step is observationally equal.
	_, after := restored.Snapshot()
	jobs[b.ID].Status = types.StatusScheduled
	if diff := cmp.Diff(jobs, after); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}

	// Ids are never reused after restore.
	d := restored.Add(newTestJob("a@x"))
	assert.Equal(t, types.JobID(4), d.ID)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob("a@x")
	job.Options = map[string]string{"k": "v"}
	added := jm.Add(job)

	_, jobs := jm.Snapshot()
	jobs[added.ID].Options["k"] = "changed"
	jobs[added.ID].Status = types.StatusDone

	stored, _ := jm.Get(added.ID)
	assert.Equal(t, "v", stored.Options["k"])
	assert.Equal(t, types.StatusQueued, stored.Status)
}

func TestRestore_NextIDNeverBehindTable(t *testing.T) {
	jm := NewJobManager()
	jm.Restore(1, map[types.JobID]*types.Job{7: {Status: types.StatusDone}})
	assert.Equal(t, types.JobID(8), jm.Add(newTestJob("a@x")).ID)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentAddAndRemove(t *testing.T) {
	jm := NewJobManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := jm.Add(newTestJob("a@x"))
			_, _ = jm.Admit(job.ID)
			if job.ID%2 == 0 {
				jm.Remove(job.ID, "x")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, jm.Len())
	stats := jm.Stats()
	assert.Equal(t, 25, stats[types.StatusRemoved])
	assert.Equal(t, 25, stats[types.StatusQueued])
}

func BenchmarkAdd(b *testing.B) {
	jm := NewJobManager()
	for i := 0; i < b.N; i++ {
		jm.Add(newTestJob("a@x"))
	}
}
