// Package server is the HTTP surface: session control under /api/v1 and the
// player-facing manifests, segments and subtitle tracks under /sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/livecaption/internal/cluster"
	"github.com/agleyzer/livecaption/internal/journal"
	"github.com/agleyzer/livecaption/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Sessions is the session control surface the API drives.
type Sessions interface {
	Start(ctx context.Context, req session.Request) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Stop(id string) error
	List() []session.Status
}

// Replica is a node's view of manifests replicated from the cluster leader.
type Replica interface {
	Manifest(name string) (cluster.Manifest, bool)
	IsLeader() bool
	LeaderAddr() string
	GetStats() map[string]interface{}
}

// EventLog lists a session's journal.
type EventLog interface {
	List(ctx context.Context, sessionID string) ([]journal.Event, error)
}

// Options configure a Server. Replica and Events are optional.
type Options struct {
	Bind string
	// PublicBase prefixes the links returned by the API. On a follower it is
	// also where requests for unreplicated artifacts are redirected.
	PublicBase string
	Sessions   Sessions
	Replica    Replica
	Events     EventLog
	Logger     *slog.Logger
}

// Server serves the session API and session artifacts.
type Server struct {
	opts       Options
	logger     *slog.Logger
	handler    http.Handler
	startTime  time.Time
	httpServer *http.Server

	mu   sync.Mutex
	addr string
}

// New creates a new HTTP server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    opts.Logger.With("component", "http"),
		startTime: time.Now(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listen address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Bind, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
