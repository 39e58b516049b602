// ============================================================================
// Stork Worker Pool - fixed-size concurrent executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs N workers that drain a shared Source
//
// Users:
//   - RequestRouter: request workers (config "workers", default 4)
//   - JobScheduler:  job executors  (config "max_jobs", default 10)
//
// Architecture:
//   ┌─────────────┐
//   │   Source    │  (blocking queue)
//   └─────────────┘
//         │ Take()
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 0│ │ ──→ Handler(ctx, 0, item)
//   │  │Worker 1│ │ ──→ Handler(ctx, 1, item)
//   │  │Worker 2│ │ ──→ Handler(ctx, 2, item)
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(src, handler) - create pool
//   2. Start(n) - launch n workers
//   3. Stop() - cancel the pool context and wait for every worker
//
// Guarantees:
//   - the number of workers never changes after Start; a panicking handler
//     is recovered and the worker keeps running
//   - Stop is idempotent and safe before Start
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed the pool was stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted Start called twice
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrNoWorkers Start called with n < 1
	ErrNoWorkers = errors.New("worker pool needs at least one worker")
)

// ============================================================================
// Data structures
// ============================================================================

// Pool represents a fixed set of workers draining one Source
type Pool[T any] struct {
	src     Source[T]
	handle  Handler[T]
	onPanic PanicHandler[T]
	log     *slog.Logger

	workers []*Worker[T]
	busy    atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithPanicHandler reports recovered handler panics.
func WithPanicHandler[T any](fn PanicHandler[T]) Option[T] {
	return func(p *Pool[T]) { p.onPanic = fn }
}

// WithLogger sets the pool logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(p *Pool[T]) { p.log = l }
}

// ============================================================================
// Core methods
// ============================================================================

// NewPool creates a pool that feeds items from src to handle.
func NewPool[T any](src Source[T], handle Handler[T], opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		src:    src,
		handle: handle,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches workerCount workers.
//
// Parameters:
//   - ctx: parent context; cancelling it stops the workers like Stop
//   - workerCount: number of workers, fixed for the pool's lifetime
//
// Returns:
//   - error: ErrPoolStarted, ErrPoolClosed or ErrNoWorkers
func (p *Pool[T]) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return ErrPoolClosed
	case p.started:
		return ErrPoolStarted
	case workerCount < 1:
		return ErrNoWorkers
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	return nil
}

// Stop cancels the workers' context and waits for them to return.
// Handlers that are mid-item observe the cancellation through ctx.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Wait blocks until every worker returned, e.g. after the source closed.
func (p *Pool[T]) Wait() {
	p.wg.Wait()
}

// GetWorkerCount returns the configured worker count
func (p *Pool[T]) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy number of workers currently inside a handler
func (p *Pool[T]) Busy() int {
	return int(p.busy.Load())
}

// IsStarted reports whether Start succeeded
func (p *Pool[T]) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
