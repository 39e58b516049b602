package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/metrics"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

// Routes returns the HTTP handler: /healthz, /metrics and /ws.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	r.Get("/ws", s.handleWS)
	return r
}

// ServeHTTP serves Routes on addr until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to listen: %w", err)
	}
	return s.serveHTTP(ctx, lis)
}

func (s *Server) serveHTTP(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log := s.log.With("transport", "http", "addr", lis.Addr().String())
	log.Info("HTTP server listening")

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("HTTP server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP shutdown incomplete", "error", err)
			}
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	log.Info("HTTP server terminated")
	return nil
}

// ============================================================================
// WebSocket
// ============================================================================

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(a ad.Ad) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(a)
}

// handleWS reads request ads until the client goes away. Each request is
// answered from its own goroutine so a slow command does not hold up the
// ones behind it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	log := s.log.With("transport", "ws", "remote", r.RemoteAddr)
	log.Debug("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = conn.Close()
		log.Debug("client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		req, err := ad.FromJSON(data)
		if err != nil {
			_ = c.write(command.ErrorAd(command.Errorf(command.KindBadRequest, "malformed request: %v", err)))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			tag, tagged := req["tag"]
			res := s.respond(ctx, req)
			if tagged {
				res = res.Clone()
				res["tag"] = tag
			}
			if err := c.write(res); err != nil {
				log.Debug("websocket write failed", "error", err)
			}
		}()
	}
}
