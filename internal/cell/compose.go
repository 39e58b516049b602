package cell

import (
	"sync"
	"time"
)

// First returns a cell holding the outcome of whichever input finishes first.
func First[T any](cells ...*Cell[T]) *Cell[T] {
	out := New[T]()
	for _, c := range cells {
		c.Promise(out)
	}
	return out
}

// Collect resolves with every input's value, in input order, once all of
// them resolved. The first failure fails the aggregate.
func Collect[T any](cells ...*Cell[T]) *Cell[[]T] {
	out := New[[]T]()
	if len(cells) == 0 {
		out.Resolve([]T{})
		return out
	}

	var mu sync.Mutex
	results := make([]T, len(cells))
	remaining := len(cells)

	for i, c := range cells {
		i := i
		c.OnResolve(func(v T) {
			mu.Lock()
			results[i] = v
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				out.Resolve(results)
			}
		})
		c.OnFail(func(err error) {
			out.Fail(err)
		})
	}
	return out
}

// WithTimeout races c against a timer. When the timer wins the returned
// cell fails with ErrTimeout and c is cancelled.
func WithTimeout[T any](c *Cell[T], d time.Duration) *Cell[T] {
	out := New[T]()
	timer := time.AfterFunc(d, func() {
		if out.Fail(ErrTimeout) {
			c.Cancel()
		}
	})
	out.OnAlways(func() { timer.Stop() })
	c.Promise(out)
	return out
}

// Map derives a cell by transforming c's value. Failures pass through.
func Map[T, U any](c *Cell[T], fn func(T) (U, error)) *Cell[U] {
	out := New[U]()
	c.OnResolve(func(v T) {
		u, err := fn(v)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Resolve(u)
	})
	c.OnFail(func(err error) {
		if c.IsCancelled() {
			out.Cancel()
			return
		}
		out.Fail(err)
	})
	return out
}
