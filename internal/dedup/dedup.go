// ============================================================================
// Stork Request Deduplicator - single-flight by key
// ============================================================================
//
// Package: internal/dedup
// File: dedup.go
// Purpose: Collapse concurrent identical operations (resource listings) into
//          one in-flight operation whose result every caller observes.
//
// Protocol:
//   owner, c := reg.AcquireOrJoin(key)
//   if owner {
//       start the operation and resolve c when it finishes
//   }
//   observe c
//
//   - exactly one concurrent caller per key is the owner
//   - joiners get a read-only view of the owner's cell
//   - when the owned cell ends (resolve, fail or cancel) the key is removed,
//     so the next caller starts a fresh operation; a caller that finds an
//     ended cell still registered replaces it instead of joining
//   - Bypass runs an operation that is never registered and never replaces
//     the in-flight entry
//
// Keys are value types compared with ==.
//
// ============================================================================

package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/stork-queue/internal/cell"
)

// Registry single-flight coordinator
type Registry[K comparable, R any] struct {
	inflight sync.Map // K -> *cell.Cell[R]
	size     atomic.Int64
	onJoin   func(K)
}

// Option configures a Registry.
type Option[K comparable, R any] func(*Registry[K, R])

// WithJoinHook calls fn every time a caller joins an in-flight operation.
func WithJoinHook[K comparable, R any](fn func(K)) Option[K, R] {
	return func(r *Registry[K, R]) { r.onJoin = fn }
}

// New returns an empty registry.
func New[K comparable, R any](opts ...Option[K, R]) *Registry[K, R] {
	r := &Registry[K, R]{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AcquireOrJoin returns (true, fresh cell) to the first caller for key and
// (false, view of the in-flight cell) to everyone else until that cell ends.
//
// The owner must eventually resolve, fail or cancel the returned cell.
func (r *Registry[K, R]) AcquireOrJoin(key K) (bool, *cell.Cell[R]) {
	fresh := cell.New[R]()
	for {
		actual, loaded := r.inflight.LoadOrStore(key, fresh)
		if !loaded {
			break
		}
		existing := actual.(*cell.Cell[R])
		if existing.IsDone() {
			// Ended but its cleanup has not run yet.
			if r.inflight.CompareAndDelete(key, existing) {
				r.size.Add(-1)
			}
			continue
		}
		if r.onJoin != nil {
			r.onJoin(key)
		}
		return false, existing.View()
	}

	r.size.Add(1)
	fresh.OnAlways(func() {
		if r.inflight.CompareAndDelete(key, fresh) {
			r.size.Add(-1)
		}
	})
	return true, fresh
}

// Do runs fn once per concurrent key and returns the shared cell.
// With bypass set fn always runs and its cell is never registered.
//
// fn receives the cell it must resolve.
func (r *Registry[K, R]) Do(key K, bypass bool, fn func(*cell.Cell[R])) *cell.Cell[R] {
	if bypass {
		return r.Bypass(fn)
	}
	owner, c := r.AcquireOrJoin(key)
	if owner {
		fn(c)
	}
	return c
}

// Bypass runs fn on an unregistered cell.
func (r *Registry[K, R]) Bypass(fn func(*cell.Cell[R])) *cell.Cell[R] {
	c := cell.New[R]()
	fn(c)
	return c
}

// InFlight reports whether key currently has an owner.
func (r *Registry[K, R]) InFlight(key K) bool {
	v, ok := r.inflight.Load(key)
	return ok && !v.(*cell.Cell[R]).IsDone()
}

// Len number of in-flight keys
func (r *Registry[K, R]) Len() int {
	return int(r.size.Load())
}
