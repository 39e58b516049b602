// ============================================================================
// Stork Server - client transports
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Carries client ads to the controller and responses back
//
// Transports:
//   gRPC       stork.v1.Scheduler/Call     unary, structpb.Struct in/out
//   WebSocket  GET /ws                     one JSON ad per message; responses
//                                          may come back out of order, "tag"
//                                          is echoed to match them up
//   HTTP       GET /healthz, GET /metrics
//
// Every request gets exactly one response ad. Failures travel inside it
// as {"error": ..., "kind": ...}; transport errors are reserved for
// malformed frames.
//
// ============================================================================

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

// Dispatcher accepts a request ad and returns the cell of its response.
type Dispatcher interface {
	Submit(ctx context.Context, a ad.Ad) *cell.Cell[ad.Ad]
}

// Server serves every transport from one dispatcher.
type Server struct {
	d        Dispatcher
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New creates a server. g may be nil, in which case /metrics is not
// mounted.
func New(d Dispatcher, g prometheus.Gatherer) *Server {
	return &Server{
		d:        d,
		gatherer: g,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: slog.With("component", "server"),
	}
}

// respond dispatches a and waits for the response ad. ctx ending before
// the response arrives yields an error ad; the request itself still runs
// to completion.
func (s *Server) respond(ctx context.Context, a ad.Ad) ad.Ad {
	res, err := s.d.Submit(ctx, a).Wait(ctx)
	if err != nil && ctx.Err() != nil {
		err = command.Errorf(command.KindInternal, "no response: %v", ctx.Err())
	}
	if err != nil {
		return command.ErrorAd(err)
	}
	if res == nil {
		return ad.New()
	}
	return res
}
