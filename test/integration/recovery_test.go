// ============================================================================
// Stork Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end runs through the gRPC client, including a restart
//
// TestEndToEndRecovery:
//   - register a user and submit 12 local copies over gRPC
//   - stop the scheduler while copies are still running
//   - start a new scheduler on the same state file
//   - every job ends done, every destination matches its source,
//     new ids continue after the restored ones
//
// TestRecoveryPerformance:
//   - restore a state file with 10000 jobs
//   - target: < 3 seconds from New to a started scheduler
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/stork-queue/internal/controller"
	"github.com/ChuLiYu/stork-queue/internal/server"
	"github.com/ChuLiYu/stork-queue/internal/snapshot"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

const (
	email    = "ops@example.org"
	password = "transfer-all-the-things"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig(t testing.TB) types.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := types.DefaultConfig()
	cfg.StateFile = filepath.Join(dir, "stork.state")
	cfg.Libexec = ""
	cfg.MaxJobs = 2
	cfg.Workers = 4
	cfg.ChunkSize = 8
	return cfg
}

// stack a running controller reachable over gRPC
type stack struct {
	ctrl   *controller.Controller
	client *server.Client
	grpc   *grpc.Server
}

func startStack(t testing.TB, cfg types.Config) *stack {
	t.Helper()
	ctrl, err := controller.New(cfg, controller.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	server.New(ctrl, ctrl.Gatherer()).RegisterGRPC(srv)
	go func() { _ = srv.Serve(lis) }()

	client, err := server.Dial(lis.Addr().String())
	require.NoError(t, err)
	return &stack{ctrl: ctrl, client: client, grpc: srv}
}

// stop tears the stack down the way a shutdown would.
func (s *stack) stop() {
	_ = s.client.Close()
	s.grpc.Stop()
	s.ctrl.Stop()
}

func (s *stack) call(t testing.TB, kv ...any) ad.Ad {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a := ad.Of(kv...)
	a["email"] = email
	a["password"] = password
	res, err := s.client.Call(ctx, a)
	require.NoError(t, err)
	return res
}

// jobStatuses id -> status of every job of the test user
func (s *stack) jobStatuses(t testing.TB) map[int]string {
	t.Helper()
	res := s.call(t, "command", "q")
	out := make(map[int]string)
	for _, item := range res["jobs"].([]any) {
		job := item.(ad.Ad)
		out[job.GetInt("job_id", 0)] = job.Get("status")
	}
	return out
}

// ============================================================================
// Integration Tests
// ============================================================================

func TestEndToEndRecovery(t *testing.T) {
	cfg := testConfig(t)
	data := t.TempDir()
	const jobs = 12

	s := startStack(t, cfg)
	s.call(t, "command", "user", "action", "register", "email", email, "password", password)

	for i := 0; i < jobs; i++ {
		src := filepath.Join(data, fmt.Sprintf("src-%02d", i))
		content := strings.Repeat(fmt.Sprintf("payload %02d|", i), 40)
		require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
		res := s.call(t, "command", "submit", "src", src, "dest", filepath.Join(data, fmt.Sprintf("dest-%02d", i)))
		assert.Equal(t, i+1, res.GetInt("job_id", 0))
	}

	// Let some chunks land, then go down mid-transfer.
	time.Sleep(50 * time.Millisecond)
	before := s.jobStatuses(t)
	s.stop()
	require.Len(t, before, jobs)

	restored, err := snapshot.NewManager(cfg.StateFile).Load()
	require.NoError(t, err)
	require.Len(t, restored.Jobs, jobs)
	for id, job := range restored.Jobs {
		assert.NotEqual(t, types.StatusProcessing, job.Status, "job %d persisted mid-step", id)
	}

	s = startStack(t, cfg)
	defer s.stop()

	require.Eventually(t, func() bool {
		for _, status := range s.jobStatuses(t) {
			if status != string(types.StatusDone) {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "not every job finished after restart")

	for i := 0; i < jobs; i++ {
		want, err := os.ReadFile(filepath.Join(data, fmt.Sprintf("src-%02d", i)))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(data, fmt.Sprintf("dest-%02d", i)))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), "job %d", i+1)
	}

	src := filepath.Join(data, "src-00")
	res := s.call(t, "command", "submit", "src", src, "dest", filepath.Join(data, "late"))
	assert.Equal(t, jobs+1, res.GetInt("job_id", 0), "ids continue after the restored ones")
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}
	cfg := testConfig(t)
	const total = 10000

	state := types.EmptySnapshot()
	state.Config = cfg
	state.NextJobID = total + 1
	now := time.Now().UnixMilli()
	for i := 1; i <= total; i++ {
		status := types.StatusDone
		if i%10 == 0 {
			status = types.StatusPaused
		}
		state.Jobs[types.JobID(i)] = &types.Job{
			ID: types.JobID(i), Owner: email, Module: "file",
			Src: "/data/in", Dest: fmt.Sprintf("/data/out-%d", i),
			Status: status, MaxAttempts: 3,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, snapshot.NewManager(cfg.StateFile).Write(state))

	start := time.Now()
	ctrl, err := controller.New(cfg, controller.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	recoveryTime := time.Since(start)
	defer ctrl.Stop()

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Jobs recovered: %d", total)

	stats := ctrl.Stats()
	assert.Equal(t, total-total/10, stats[types.StatusDone])
	assert.Equal(t, total/10, stats[types.StatusPaused])
	assert.Less(t, recoveryTime, 3*time.Second, "recovery should take < 3 seconds")
}
