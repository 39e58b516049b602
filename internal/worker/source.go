// ============================================================================
// Stork Work Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where its items come from.
//
//   - Request router: Source wraps the request intake queue
//   - Job scheduler:  Source wraps the job id queue
//
// ============================================================================

package worker

import "context"

// Source hands out work items one at a time.
type Source[T any] interface {
	// Take blocks until an item is available.
	//
	// Returns an error once the source is closed or ctx ends; the worker
	// that called it then exits.
	Take(ctx context.Context) (T, error)
}

// Handler processes one item on worker id.
type Handler[T any] func(ctx context.Context, id int, item T)

// PanicHandler is told about an item whose Handler panicked.
type PanicHandler[T any] func(item T, recovered any)
