// ============================================================================
// Stork Queue - blocking FIFO used by the request router and job scheduler
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Goroutine-safe FIFO with blocking Take, optional capacity and
//          in-place removal.
//
// Behaviour:
//   - capacity 0 means unbounded: Put never blocks
//   - Put blocks while full; TryPut returns ErrFull instead
//   - Take blocks until an item is available, ctx ends or the queue closes
//   - RemoveFunc deletes queued items matching a predicate (job removal)
//   - Close wakes every waiter; remaining items can still be taken
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrClosed the queue was closed
	ErrClosed = errors.New("queue closed")
	// ErrFull a bounded queue is at capacity
	ErrFull = errors.New("queue at capacity")
)

// ============================================================================
// Data structures
// ============================================================================

// Queue blocking FIFO
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	notEmpty chan struct{} // signalled when an item is added
	notFull  chan struct{} // signalled when an item is removed
	closedCh chan struct{}
}

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ============================================================================
// Core methods
// ============================================================================

// Put appends v, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.pushLocked(v)
			spare := q.capacity > 0 && len(q.items) < q.capacity
			q.mu.Unlock()
			if spare {
				// pass the wake-up on to the next blocked putter
				signal(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.closedCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPut appends v without blocking.
func (q *Queue[T]) TryPut(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrFull
	}
	q.pushLocked(v)
	return nil
}

func (q *Queue[T]) pushLocked(v T) {
	q.items = append(q.items, v)
	signal(q.notEmpty)
}

// Take removes and returns the head, blocking until one is available.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			signal(q.notFull)
			if remaining > 0 {
				// pass the wake-up on to the next waiting taker
				signal(q.notEmpty)
			}
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.closedCh:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// RemoveFunc deletes every queued item for which match returns true and
// returns how many were removed.
func (q *Queue[T]) RemoveFunc(match func(T) bool) int {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, v := range q.items {
		if match(v) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	q.mu.Unlock()

	if removed > 0 {
		signal(q.notFull)
	}
	return removed
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Len current number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap configured capacity, 0 when unbounded
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Close rejects further puts and wakes all waiters.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}
