// ============================================================================
// Stork Worker - item execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine that drains a Source until it closes
//
// Loop:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   item := src.Take(ctx)      │   │
//   │  │   ├─ recover()               │   │
//   │  │   └─ handle(ctx, id, item)   │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Panics:
//   A panicking handler is recovered inside execute(), reported through the
//   PanicHandler and the loop continues, so the pool never loses a worker.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Worker represents a work execution unit
type Worker[T any] struct {
	id      int
	src     Source[T]
	handle  Handler[T]
	onPanic PanicHandler[T]
	busy    *atomic.Int64
	log     *slog.Logger
}

func newWorker[T any](id int, p *Pool[T]) *Worker[T] {
	return &Worker[T]{
		id:      id,
		src:     p.src,
		handle:  p.handle,
		onPanic: p.onPanic,
		busy:    &p.busy,
		log:     p.log.With("worker", id),
	}
}

// Run is the main loop; it returns when the source is closed or ctx ends.
func (w *Worker[T]) Run(ctx context.Context) {
	for {
		item, err := w.src.Take(ctx)
		if err != nil {
			w.log.Debug("worker exiting", "reason", err)
			return
		}
		w.execute(ctx, item)
	}
}

func (w *Worker[T]) execute(ctx context.Context, item T) {
	w.busy.Add(1)
	defer w.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			if w.onPanic != nil {
				w.onPanic(item, r)
			}
		}
	}()
	w.handle(ctx, w.id, item)
}
