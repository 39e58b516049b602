// ============================================================================
// Stork Result Cell - single-assignment async result
// ============================================================================
//
// Package: internal/cell
// File: cell.go
// Purpose: A write-once result slot that request handlers, the deduplicator
//          and the resource layer hand to each other instead of blocking.
//
// State machine:
//   pending
//      ├─ Resolve(v) ─→ resolved
//      ├─ Fail(err)  ─→ failed
//      └─ Cancel()   ─→ cancelled (observed by listeners as ErrCancelled)
//
//   Exactly one terminal call wins. Later calls return false and change nothing.
//
// Listeners:
//   - OnResolve / OnFail / OnAlways may be attached at any time
//   - attached before resolution: run once, in attach order, on the
//     goroutine that resolved the cell
//   - attached after resolution: run immediately inside the attach call
//   - no lock is held while a listener runs, so listeners may attach to or
//     resolve other cells
//
// Composition:
//   - Promise(other): forward this cell's outcome into other
//   - View(): read-only derived cell, cancelling it leaves the source alone
//   - First / Collect / WithTimeout / Map build new cells from existing ones
//
// Promise chains must not form cycles.
//
// ============================================================================

package cell

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrCancelled is what OnFail listeners see after Cancel.
	ErrCancelled = errors.New("cell cancelled")
	// ErrTimeout is the failure injected by WithTimeout.
	ErrTimeout = errors.New("operation timed out")
)

// ============================================================================
// Data structures
// ============================================================================

type state int

const (
	statePending state = iota
	stateResolved
	stateFailed
	stateCancelled
)

type listener[T any] struct {
	onResolve func(T)
	onFail    func(error)
}

// Cell single-assignment result slot
type Cell[T any] struct {
	mu        sync.Mutex
	state     state
	value     T
	err       error
	listeners []listener[T]
	done      chan struct{}
}

// New returns an unresolved cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Resolved returns a cell already holding v.
func Resolved[T any](v T) *Cell[T] {
	c := New[T]()
	c.Resolve(v)
	return c
}

// Failed returns a cell already holding err.
func Failed[T any](err error) *Cell[T] {
	c := New[T]()
	c.Fail(err)
	return c
}

// ============================================================================
// Terminal operations
// ============================================================================

// Resolve sets the value. It reports whether this call won.
func (c *Cell[T]) Resolve(v T) bool {
	return c.finish(stateResolved, v, nil)
}

// Fail sets the error. A nil err is replaced with a generic failure.
func (c *Cell[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("cell failed without error")
	}
	var zero T
	return c.finish(stateFailed, zero, err)
}

// Cancel marks the cell cancelled. Dependent work should poll IsCancelled
// or watch Done and stop early.
func (c *Cell[T]) Cancel() bool {
	var zero T
	return c.finish(stateCancelled, zero, ErrCancelled)
}

func (c *Cell[T]) finish(st state, v T, err error) bool {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return false
	}
	c.state = st
	c.value = v
	c.err = err
	pending := c.listeners
	c.listeners = nil
	close(c.done)
	c.mu.Unlock()

	for _, l := range pending {
		c.fire(l, st, v, err)
	}
	return true
}

func (c *Cell[T]) fire(l listener[T], st state, v T, err error) {
	if st == stateResolved {
		if l.onResolve != nil {
			l.onResolve(v)
		}
		return
	}
	if l.onFail != nil {
		l.onFail(err)
	}
}

// ============================================================================
// Listeners
// ============================================================================

func (c *Cell[T]) attach(l listener[T]) *Cell[T] {
	c.mu.Lock()
	if c.state == statePending {
		c.listeners = append(c.listeners, l)
		c.mu.Unlock()
		return c
	}
	st, v, err := c.state, c.value, c.err
	c.mu.Unlock()

	c.fire(l, st, v, err)
	return c
}

// OnResolve runs fn with the value if the cell resolves.
func (c *Cell[T]) OnResolve(fn func(T)) *Cell[T] {
	return c.attach(listener[T]{onResolve: fn})
}

// OnFail runs fn with the error if the cell fails or is cancelled.
func (c *Cell[T]) OnFail(fn func(error)) *Cell[T] {
	return c.attach(listener[T]{onFail: fn})
}

// OnAlways runs fn on any terminal outcome.
func (c *Cell[T]) OnAlways(fn func()) *Cell[T] {
	return c.attach(listener[T]{
		onResolve: func(T) { fn() },
		onFail:    func(error) { fn() },
	})
}

// Promise forwards this cell's outcome into other. Cancellation is
// forwarded as Cancel.
func (c *Cell[T]) Promise(other *Cell[T]) *Cell[T] {
	return c.attach(listener[T]{
		onResolve: func(v T) { other.Resolve(v) },
		onFail: func(err error) {
			if errors.Is(err, ErrCancelled) {
				other.Cancel()
				return
			}
			other.Fail(err)
		},
	})
}

// View returns a derived cell that observes this one. Terminal calls on the
// view never reach the source.
func (c *Cell[T]) View() *Cell[T] {
	v := New[T]()
	c.Promise(v)
	return v
}

// ============================================================================
// Inspection
// ============================================================================

// IsDone reports whether the cell reached any terminal state.
func (c *Cell[T]) IsDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != statePending
}

// IsCancelled reports whether Cancel won.
func (c *Cell[T]) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateCancelled
}

// Done is closed once the cell is terminal.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. ok is false while the cell is pending.
func (c *Cell[T]) Result() (v T, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending {
		return v, false, nil
	}
	return c.value, true, c.err
}

// Wait blocks until the cell is terminal or ctx ends.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		v, _, err := c.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
