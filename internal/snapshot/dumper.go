package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/stork-queue/internal/metrics"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// Source returns a consistent point-in-time copy of the scheduler state.
type Source func() types.SnapshotData

// Dumper writes the snapshot on an interval and on demand.
//
// There is exactly one writing goroutine. ForceDump wakes it instead of
// writing itself; several forces before the goroutine wakes collapse into
// one dump. A failed dump is logged and the old file stays in place.
type Dumper struct {
	mgr      *Manager
	source   Source
	interval time.Duration
	metrics  *metrics.Collector
	log      *slog.Logger

	force chan struct{}
	dumps atomic.Int64
	fails atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewDumper creates a dumper; m may be nil.
func NewDumper(mgr *Manager, source Source, interval time.Duration, m *metrics.Collector) *Dumper {
	return &Dumper{
		mgr:      mgr,
		source:   source,
		interval: interval,
		metrics:  m,
		log:      slog.With("component", "dumper", "path", mgr.Path()),
		force:    make(chan struct{}, 1),
	}
}

// Start launches the dump goroutine. Calling it twice is a no-op.
func (d *Dumper) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil || d.stopped {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)
}

// ForceDump asks for a dump as soon as possible without blocking.
func (d *Dumper) ForceDump() {
	select {
	case d.force <- struct{}{}:
	default:
		// A dump is already pending.
	}
}

// Stop ends the loop and writes a final snapshot.
func (d *Dumper) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	d.dump("shutdown")
}

// Dumps number of successful dumps
func (d *Dumper) Dumps() int64 { return d.dumps.Load() }

// Failures number of failed dumps
func (d *Dumper) Failures() int64 { return d.fails.Load() }

func (d *Dumper) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dump("interval")
		case <-d.force:
			d.dump("forced")
			ticker.Reset(d.interval)
		}
	}
}

func (d *Dumper) dump(reason string) {
	start := time.Now()
	err := d.mgr.Write(d.source())
	d.metrics.RecordDump(err, time.Since(start).Seconds())
	if err != nil {
		d.fails.Add(1)
		d.log.Warn("state dump failed, previous snapshot kept", "reason", reason, "error", err)
		return
	}
	d.dumps.Add(1)
	d.log.Debug("state dumped", "reason", reason, "took", time.Since(start))
}
