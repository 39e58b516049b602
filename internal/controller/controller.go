// ============================================================================
// Stork Controller - wiring, recovery and lifecycle
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Builds every component, restores state and runs the loops
//
// Component graph (all built here, passed by reference):
//
//   Config ─┬─→ JobManager ─┬─→ Scheduler ──→ module.Table (file + libexec)
//           │               │       └──→ cred.Manager
//           ├─→ users.Store │
//           ├─→ dedup.Registry (listings)
//           └─→ Handlers ──→ command.Registry ──→ Router
//
//   snapshot.Dumper ← source(): config + job table + user table
//
// Startup:
//   1. Load the state file. A missing file is a fresh start; a corrupt
//      or incompatible one is logged and replaced by empty defaults.
//   2. The persisted config wins over the one passed in, except for the
//      state file path that was used to find it.
//   3. Restore jobs and users; jobs caught mid-step go back to scheduled.
//   4. Start: modules, executors, re-enqueue restored jobs, request
//      workers, dumper, stats loop.
//
// Shutdown (Stop):
//   router (fail queued requests) → scheduler (interrupt steps, they stay
//   scheduled) → dumper (final dump) → loops
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/internal/dedup"
	"github.com/ChuLiYu/stork-queue/internal/handlers"
	"github.com/ChuLiYu/stork-queue/internal/jobmanager"
	"github.com/ChuLiYu/stork-queue/internal/metrics"
	"github.com/ChuLiYu/stork-queue/internal/module"
	"github.com/ChuLiYu/stork-queue/internal/router"
	"github.com/ChuLiYu/stork-queue/internal/scheduler"
	"github.com/ChuLiYu/stork-queue/internal/snapshot"
	"github.com/ChuLiYu/stork-queue/internal/users"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// statsInterval how often gauges are refreshed from the job table
const statsInterval = 5 * time.Second

var ErrStopped = errors.New("controller stopped")

// ============================================================================
// Data structures
// ============================================================================

// Options extra knobs that are not part of the persisted config
type Options struct {
	// Registry receives the metrics; a private one is created when nil.
	Registry *prometheus.Registry
	// WatchModules reloads libexec on change.
	WatchModules bool
}

// Controller owns every component of a running scheduler.
type Controller struct {
	cfg      types.Config
	registry *prometheus.Registry
	metrics  *metrics.Collector
	watch    bool

	jobs      *jobmanager.JobManager
	modules   *module.Table
	users     *users.Store
	creds     *cred.Manager
	listings  *dedup.Registry[handlers.ListingKey, ad.Ad]
	scheduler *scheduler.Scheduler
	router    *router.Router
	snapshots *snapshot.Manager
	dumper    *snapshot.Dumper

	restored []types.JobID

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup

	log *slog.Logger
}

// ============================================================================
// Construction and recovery
// ============================================================================

// New builds a controller and restores the state file named by
// cfg.StateFile.
//
// Returns:
//   - *Controller: ready to Start
//   - error: the state file exists but cannot be read, or a built-in
//     module cannot be registered
func New(cfg types.Config, opts Options) (*Controller, error) {
	log := slog.With("component", "controller")
	start := time.Now()

	for _, msg := range cfg.Normalize() {
		log.Warn("config corrected", "detail", msg)
	}

	snapshots := snapshot.NewManager(cfg.StateFile)
	data, err := snapshots.Load()
	switch {
	case errors.Is(err, snapshot.ErrCorruptedSnapshot), errors.Is(err, snapshot.ErrIncompatibleVersion):
		log.Warn("state file unusable, starting empty", "path", cfg.StateFile, "error", err)
		data = types.EmptySnapshot()
		data.Config = cfg
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	case !snapshots.Exists():
		data.Config = cfg
	default:
		persisted := data.Config
		persisted.StateFile = cfg.StateFile
		for _, msg := range persisted.Normalize() {
			log.Warn("persisted config corrected", "detail", msg)
		}
		data.Config = persisted
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Controller{
		cfg:       data.Config,
		registry:  reg,
		metrics:   metrics.NewCollector(reg),
		watch:     opts.WatchModules,
		jobs:      jobmanager.NewJobManager(),
		modules:   module.NewTable(),
		users:     users.NewStore(),
		creds:     cred.NewManager(time.Duration(data.Config.CredTTL) * time.Second),
		snapshots: snapshots,
		log:       log,
	}
	if err := c.modules.Register(module.NewLocal(c.cfg.ChunkSize)); err != nil {
		return nil, fmt.Errorf("register local module: %w", err)
	}

	c.listings = dedup.New[handlers.ListingKey, ad.Ad](
		dedup.WithJoinHook[handlers.ListingKey, ad.Ad](func(handlers.ListingKey) { c.metrics.RecordListingJoin() }),
	)
	c.scheduler = scheduler.New(scheduler.Deps{
		Jobs:    c.jobs,
		Modules: c.modules,
		Creds:   c.creds,
		Metrics: c.metrics,
	}, c.cfg.MaxJobs, c.cfg.MaxAttempts)
	c.dumper = snapshot.NewDumper(snapshots, c.snapshot, c.cfg.SaveInterval(), c.metrics)

	h := handlers.New(handlers.Deps{
		Config:    c.cfg,
		Scheduler: c.scheduler,
		Jobs:      c.jobs,
		Modules:   c.modules,
		Users:     c.users,
		Creds:     c.creds,
		Listings:  c.listings,
		ForceDump: c.dumper.ForceDump,
		Pending:   func() int { return c.router.Pending() },
	})
	c.router = router.New(h.Registry(), c.users, router.Options{
		Workers:   c.cfg.Workers,
		QueueSize: c.cfg.RequestQueueSize,
		Policy:    c.cfg.OverloadPolicy,
	}, c.metrics)

	c.users.Restore(data.Users)
	c.restored = c.jobs.Restore(data.NextJobID, data.Jobs)

	elapsed := time.Since(start)
	c.metrics.SetRecoveryTime(elapsed.Seconds())
	log.Info("state restored",
		"path", cfg.StateFile,
		"jobs", len(data.Jobs),
		"users", len(data.Users),
		"runnable", len(c.restored),
		"duration", elapsed)
	return c, nil
}

// snapshot is the dumper's source.
func (c *Controller) snapshot() types.SnapshotData {
	nextID, jobs := c.jobs.Snapshot()
	return types.SnapshotData{
		Config:    c.cfg,
		NextJobID: nextID,
		Jobs:      jobs,
		Users:     c.users.Snapshot(),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start loads external modules and launches executors, request workers,
// the dumper and the stats loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.loadModules(ctx); err != nil {
		cancel()
		return err
	}
	c.creds.Start(ctx)

	if err := c.scheduler.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.scheduler.Recover(c.restored)
	c.restored = nil

	if err := c.router.Start(ctx); err != nil {
		c.scheduler.Stop()
		cancel()
		return err
	}
	c.dumper.Start(ctx)

	c.loopWg.Add(1)
	go c.statsLoop(ctx)

	c.started = true
	c.log.Info("controller started",
		"max_jobs", c.cfg.MaxJobs,
		"workers", c.cfg.Workers,
		"modules", c.modules.Len(),
		"state_file", c.cfg.StateFile)
	return nil
}

func (c *Controller) loadModules(ctx context.Context) error {
	if c.cfg.Libexec == "" {
		return nil
	}
	if _, err := c.modules.LoadDir(ctx, c.cfg.Libexec); err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	if !c.watch {
		return nil
	}
	if _, err := os.Stat(c.cfg.Libexec); err != nil {
		c.log.Warn("module directory not watched", "dir", c.cfg.Libexec, "error", err)
		return nil
	}
	return c.modules.Watch(ctx, c.cfg.Libexec)
}

// Stop shuts everything down in dependency order and writes a final
// snapshot. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	if !c.started {
		return
	}

	c.router.Stop()
	c.scheduler.Stop()
	c.dumper.Stop()
	c.cancel()
	c.loopWg.Wait()
	c.log.Info("controller stopped", "dumps", c.dumper.Dumps(), "dump_failures", c.dumper.Failures())
}

// statsLoop refreshes the job gauges.
func (c *Controller) statsLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.metrics.UpdateJobStats(c.jobs.Stats())
			c.metrics.SetJobQueueDepth(c.scheduler.QueueLen())
			c.metrics.SetRequestQueueDepth(c.router.Pending())
		}
	}
}

// ============================================================================
// Requests
// ============================================================================

// Submit hands a client ad to the router; the cell carries the response.
func (c *Controller) Submit(ctx context.Context, a ad.Ad) *cell.Cell[ad.Ad] {
	return c.router.Dispatch(ctx, a)
}

// Do submits a and waits for the response.
func (c *Controller) Do(ctx context.Context, a ad.Ad) (ad.Ad, error) {
	return c.Submit(ctx, a).Wait(ctx)
}

// ForceDump asks the dumper for a snapshot now.
func (c *Controller) ForceDump() { c.dumper.ForceDump() }

func (c *Controller) Config() types.Config           { return c.cfg }
func (c *Controller) Stats() map[types.JobStatus]int { return c.jobs.Stats() }
func (c *Controller) Gatherer() prometheus.Gatherer  { return c.registry }
func (c *Controller) Modules() *module.Table         { return c.modules }

// Job returns a copy of one job record.
func (c *Controller) Job(id types.JobID) (*types.Job, error) { return c.jobs.Get(id) }
