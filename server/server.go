// Package server exposes the HTTP JSON API and the websocket event stream.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/bus"
	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/label"
	"github.com/labshot/labshot/pipeline"
	"github.com/labshot/labshot/record"
)

// shutdownTimeout bounds graceful HTTP drain on Stop.
const shutdownTimeout = 10 * time.Second

// Server wires the component stack behind the request surface.
type Server struct {
	store   *am.Store
	db      *sql.DB
	events  *bus.Bus
	logger  *zap.SugaredLogger
	capture *capture.Service
	engine  *analysis.Engine
	records *record.Client
	labels  *label.Generator
	pool    *pipeline.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpServer *http.Server
	startedAt  time.Time

	mu      sync.Mutex
	clients int
}

// Deps carries the component instances the server serves.
type Deps struct {
	Store   *am.Store
	DB      *sql.DB
	Events  *bus.Bus
	Capture *capture.Service
	Engine  *analysis.Engine
	Records *record.Client
	Labels  *label.Generator
	Pool    *pipeline.WorkerPool
}

// New creates a server over an assembled component stack.
func New(ctx context.Context, deps Deps, logger *zap.SugaredLogger) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("config store cannot be nil")
	}
	if deps.DB == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		store:   deps.Store,
		db:      deps.DB,
		events:  deps.Events,
		logger:  logger.Named("server"),
		capture: deps.Capture,
		engine:  deps.Engine,
		records: deps.Records,
		labels:  deps.Labels,
		pool:    deps.Pool,
		ctx:     serverCtx,
		cancel:  cancel,
	}, nil
}

// Start binds the listener and serves until Stop or a listener error. The
// worker pool is started first so queued jobs drain even with no clients.
func (s *Server) Start(port int) error {
	if s.pool != nil {
		s.pool.Start()
	}

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startedAt = time.Now()

	s.logger.Infow("Server ready", "addr", listener.Addr().String())

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains HTTP connections, stops the workers, and waits for the
// websocket pumps to exit.
func (s *Server) Stop() {
	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	if s.pool != nil {
		s.pool.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warnw("Websocket pumps did not exit in time")
	}

	s.logger.Infow("Server stopped")
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) trackClient(delta int) {
	s.mu.Lock()
	s.clients += delta
	s.mu.Unlock()
}
