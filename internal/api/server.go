// Package api provides the admin HTTP surface: health, dashboard,
// performance reports, alert acknowledgement, Prometheus metrics and a
// WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/config"
	"github.com/tradeforge/backplane/internal/events"
	"github.com/tradeforge/backplane/internal/orchestrator"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Server is the admin HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     config.APIConfig
	logger     *zap.Logger

	orch     *orchestrator.Orchestrator
	alerts   *alerts.Store
	bus      *events.Bus
	gatherer prometheus.Gatherer

	mu      sync.RWMutex
	running bool
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the Prometheus gatherer served at /metrics. The
// default gatherer is used when unset.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates the admin server and registers its routes.
func NewServer(cfg config.APIConfig, orch *orchestrator.Orchestrator, store *alerts.Store, bus *events.Bus, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		config:   cfg,
		logger:   zap.NewNop(),
		orch:     orch,
		alerts:   store,
		bus:      bus,
		gatherer: prometheus.DefaultGatherer,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin engine, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the server until Stop or a listener error. It blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout.Duration(),
		WriteTimeout: s.config.WriteTimeout.Duration(),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting admin server",
		zap.String("address", s.config.ListenAddress),
	)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/dashboard", s.handleDashboard)
		v1.GET("/report", s.handleReport)
		v1.GET("/services", s.handleServices)
		v1.GET("/alerts", s.handleAlerts)
		v1.POST("/alerts/:id/ack", s.handleAckAlert)
		v1.GET("/events", s.handleEvents)
	}
}
