// Package http serves the classifier API, the dashboard and the live feed.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sigor/dashboard"
	"sigor/db"
	"sigor/ml"
	"sigor/monitoring"
)

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	MaxBodyBytes   int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8501,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		AllowedOrigins: []string{"*"},
		RateLimit:      50,
		RateBurst:      100,
		MaxBodyBytes:   10 << 20,
	}
}

// PredictionStore is the part of the SQLite store the handlers use.
type PredictionStore interface {
	SavePrediction(rec db.PredictionRecord) (int64, error)
	SavePredictions(records []db.PredictionRecord) error
	RecentPredictions(limit int) ([]db.PredictionRecord, error)
	CountByClass() (map[string]int, error)
	LoadTrainingLog() ([]db.TrainingLog, error)
}

// Options wires the server's collaborators. Only Deployer is required.
type Options struct {
	Deployer  *ml.Deployer
	Cache     *ml.CachedPredictor
	Store     PredictionStore
	Hub       *monitoring.Hub
	Alerts    *monitoring.AlertSystem
	Metrics   *monitoring.Metrics
	Dashboard *dashboard.Dashboard
	Logger    *zap.Logger
}

type Server struct {
	server  *http.Server
	handler http.Handler
	config  ServerConfig

	deployer  *ml.Deployer
	cache     *ml.CachedPredictor
	store     PredictionStore
	hub       *monitoring.Hub
	alerts    *monitoring.AlertSystem
	metrics   *monitoring.Metrics
	dashboard *dashboard.Dashboard
	logger    *zap.Logger
}

func NewServer(config ServerConfig, opts Options) *Server {
	s := &Server{
		config:    config,
		deployer:  opts.Deployer,
		cache:     opts.Cache,
		store:     opts.Store,
		hub:       opts.Hub,
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		dashboard: opts.Dashboard,
		logger:    opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("http")
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	if s.dashboard == nil {
		s.dashboard = dashboard.New(dashboard.Options{Logger: s.logger})
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)
	s.registerDashboardRoutes(mux)

	chain := Chain(
		RecoveryMiddleware(s.logger),
		LoggerMiddleware(s.logger, s.metrics),
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		RateLimitMiddleware(config.RateLimit, config.RateBurst),
		RequestSizeMiddleware(config.MaxBodyBytes),
	)
	s.handler = chain(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start blocks until the server stops. A clean Stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}
