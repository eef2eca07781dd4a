package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/cellcore/internal/history"
	"github.com/nerrad567/cellcore/internal/infrastructure/config"
	"github.com/nerrad567/cellcore/internal/infrastructure/logging"
	"github.com/nerrad567/cellcore/internal/infrastructure/metrics"
	"github.com/nerrad567/cellcore/internal/orchestrator"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Cell is the orchestrator surface the API drives.
type Cell interface {
	Trigger(step int) error
	Arm(channel string) error
	EmergencyStop(ctx context.Context) error
	ResetCounts(channel string) error
	Status() orchestrator.Status
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger
	Cell    Cell

	// History serves the inspection and step history routes. May be nil.
	History history.Repository

	// Prometheus serves the metrics endpoint and records request metrics.
	// May be nil.
	Prometheus *metrics.Manager

	// Hub is the event hub. If nil the server creates its own.
	Hub *Hub

	// Checks are run by the health endpoint, keyed by dependency name.
	Checks map[string]HealthCheck

	Version string
}

// Server is the HTTP API server for the cell.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	metricsCfg config.MetricsConfig
	logger     *logging.Logger
	cell       Cell
	history    history.Repository
	prom       *metrics.Manager
	checks     map[string]HealthCheck
	version    string
	startTime  time.Time
	server     *http.Server
	hub        *Hub
	ownHub     bool
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Cell == nil {
		return nil, fmt.Errorf("cell is required")
	}

	s := &Server{
		cfg:        deps.Config,
		metricsCfg: deps.Metrics,
		logger:     deps.Logger,
		cell:       deps.Cell,
		history:    deps.History,
		prom:       deps.Prometheus,
		checks:     deps.Checks,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
		s.ownHub = true
	}
	return s, nil
}

// Hub returns the event hub, for registering it as an orchestrator
// observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Run starts the server and blocks until ctx is done, then shuts it down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
