// ============================================================================
// Stork Request Router - intake queue and request workers
// ============================================================================
//
// Package: internal/router
// File: router.go
// Purpose: Turns client ads into handler calls and exactly one response
//
// Pipeline (per request):
//
//   Dispatch(ad) ──→ intake queue ──→ worker:
//                      (bounded?)       1. lookup handler (unknown → error)
//                                       2. authenticate when required
//                                          (failure → error, handler skipped)
//                                       3. strip password / pass_hash
//                                       4. handler
//                                       5. resolve or fail req.Cell
//
// Backpressure:
//   request_queue_size > 0 bounds the intake. Policy "block" makes
//   Dispatch wait for room (or ctx); "reject" fails the request at once
//   with an overloaded error.
//
// Guarantees:
//   - a worker never exits because of a bad request; handler panics are
//     recovered and delivered as internal errors
//   - every accepted request's cell reaches a terminal state, including
//     requests still queued at shutdown
//
// ============================================================================

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/metrics"
	"github.com/ChuLiYu/stork-queue/internal/queue"
	"github.com/ChuLiYu/stork-queue/internal/worker"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// sensitive attributes removed from an ad once the user is logged in
var sensitive = []string{"password", "pass_hash"}

// Authenticator logs a user in from request attributes.
type Authenticator interface {
	Authenticate(a ad.Ad) (*types.User, error)
}

// Options sizing and backpressure
type Options struct {
	Workers   int
	QueueSize int    // 0 = unbounded
	Policy    string // types.OverloadBlock or types.OverloadReject
}

// Router request dispatcher
type Router struct {
	registry *command.Registry
	auth     Authenticator
	metrics  *metrics.Collector
	opts     Options

	intake *queue.Queue[*command.Request]
	pool   *worker.Pool[*command.Request]
	log    *slog.Logger
}

// New creates a router. m may be nil.
func New(registry *command.Registry, auth Authenticator, opts Options, m *metrics.Collector) *Router {
	if opts.Policy == "" {
		opts.Policy = types.OverloadBlock
	}
	r := &Router{
		registry: registry,
		auth:     auth,
		metrics:  m,
		opts:     opts,
		intake:   queue.New[*command.Request](opts.QueueSize),
		log:      slog.With("component", "router"),
	}
	r.pool = worker.NewPool[*command.Request](r.intake, r.process,
		worker.WithPanicHandler[*command.Request](r.onPanic),
		worker.WithLogger[*command.Request](r.log.With("pool", "requests")),
	)
	return r
}

// Start launches the request workers.
func (r *Router) Start(ctx context.Context) error {
	if err := r.pool.Start(ctx, r.opts.Workers); err != nil {
		return fmt.Errorf("start request workers: %w", err)
	}
	r.log.Info("router started", "workers", r.opts.Workers, "queue_size", r.opts.QueueSize, "policy", r.opts.Policy)
	return nil
}

// Stop stops accepting requests, waits for the workers and fails whatever
// was still queued.
func (r *Router) Stop() {
	r.intake.Close()
	r.pool.Stop()

	pending := r.intake.Snapshot()
	r.intake.RemoveFunc(func(*command.Request) bool { return true })
	for _, req := range pending {
		req.Cell.Fail(command.Errorf(command.KindInternal, "server shutting down"))
	}
	if len(pending) > 0 {
		r.log.Warn("failed queued requests at shutdown", "count", len(pending))
	}
}

// Dispatch wraps a client ad in a request and queues it.
func (r *Router) Dispatch(ctx context.Context, a ad.Ad) *cell.Cell[ad.Ad] {
	req := command.NewRequest(a)
	r.Submit(ctx, req)
	return req.Cell
}

// Submit queues req according to the overload policy. When req cannot be
// queued its cell is failed before Submit returns.
func (r *Router) Submit(ctx context.Context, req *command.Request) {
	var err error
	if r.opts.Policy == types.OverloadReject {
		err = r.intake.TryPut(req)
	} else {
		err = r.intake.Put(ctx, req)
	}

	switch {
	case err == nil:
		r.metrics.SetRequestQueueDepth(r.intake.Len())
		return
	case errors.Is(err, queue.ErrFull), ctx.Err() != nil:
		r.metrics.RecordRequest(metricName(req.Command, r.registry), metrics.OutcomeRejected)
		req.Cell.Fail(command.Errorf(command.KindOverloaded, "server overloaded, try again later"))
	case errors.Is(err, queue.ErrClosed):
		req.Cell.Fail(command.Errorf(command.KindInternal, "server shutting down"))
	default:
		req.Cell.Fail(command.Wrap(command.KindInternal, err))
	}
}

// Pending number of queued requests
func (r *Router) Pending() int {
	return r.intake.Len()
}

// ============================================================================
// Worker side
// ============================================================================

func (r *Router) process(_ context.Context, _ int, req *command.Request) {
	r.metrics.SetRequestQueueDepth(r.intake.Len())
	if req.Cell.IsDone() {
		// Cancelled by the caller while queued.
		return
	}

	res, err := r.handle(req)
	name := metricName(req.Command, r.registry)
	if err != nil {
		r.metrics.RecordRequest(name, metrics.OutcomeError)
		r.log.Debug("request failed", "request", req.ID, "command", req.Command, "user", req.Owner(), "error", err)
		req.Cell.Fail(err)
		return
	}
	if res == nil {
		res = ad.New()
	}
	r.metrics.RecordRequest(name, metrics.OutcomeOK)
	req.Cell.Resolve(res)
}

func (r *Router) handle(req *command.Request) (ad.Ad, error) {
	if req.Command == "" {
		return nil, command.Errorf(command.KindBadRequest, "no command specified")
	}
	h, ok := r.registry.Lookup(req.Command)
	if !ok {
		return nil, command.Errorf(command.KindUnknownCommand, "invalid command: %s", req.Command)
	}

	if h.RequiresAuth() {
		u, err := r.auth.Authenticate(req.Ad)
		if err != nil {
			return nil, &command.Error{Kind: command.KindAuth, Msg: "action requires login: " + err.Error(), Err: err}
		}
		req.User = u
	}
	if sr, ok := h.(command.SecretReader); !ok || !sr.ReadsSecrets() {
		for _, k := range sensitive {
			req.Ad.Remove(k)
		}
	}

	res, err := h.Handle(req)
	if err != nil {
		var ce *command.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, command.Wrap(command.KindBadRequest, err)
	}
	return res, nil
}

func (r *Router) onPanic(req *command.Request, recovered any) {
	r.metrics.RecordRequest(metricName(req.Command, r.registry), metrics.OutcomeError)
	req.Cell.Fail(command.Errorf(command.KindInternal, "internal error: %v", recovered))
}

// metricName keeps label cardinality bounded to registered commands.
func metricName(cmd string, reg *command.Registry) string {
	if _, ok := reg.Lookup(cmd); ok {
		return cmd
	}
	return "unknown"
}
