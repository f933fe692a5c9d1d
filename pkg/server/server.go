// Package server exposes the deployment engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/logstream"
	"github.com/openfroyo/provisioner/pkg/stores"
)

const (
	defaultHeartbeat       = 15 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Deployments is the engine surface the API serves.
type Deployments interface {
	CreateDeployment(ctx context.Context, p stores.Parameters) (string, error)
	DestroyDeployment(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Cancel(id string) error
	GetStatus(ctx context.Context, id string) (engine.View, error)
	ListDeployments(ctx context.Context) ([]engine.View, error)
	Outputs(ctx context.Context, id string, reveal bool) (map[string]stores.Output, error)
	Env(ctx context.Context, id string) ([]byte, error)
	History(ctx context.Context, id string) ([]stores.Transition, error)
	SubscribeLogs(ctx context.Context, id string, after uint64) (*logstream.Subscription, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config configures the HTTP API.
type Config struct {
	Listen          string
	ShutdownTimeout time.Duration
	// SSEHeartbeat is the interval of keep-alive comments on idle log streams.
	SSEHeartbeat time.Duration
	// AllowReveal lets clients request unmasked outputs.
	AllowReveal bool

	Deployments Deployments
	Health      HealthChecker
	// Metrics serves /metrics when set.
	Metrics        http.Handler
	TracerProvider trace.TracerProvider
	Logger         zerolog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger zerolog.Logger

	// streams is cancelled on shutdown to end open log streams.
	streams     context.Context
	stopStreams context.CancelFunc
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Deployments == nil {
		return nil, fmt.Errorf("deployments service is required")
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = defaultHeartbeat
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		echo:   echo.New(),
		logger: cfg.Logger.With().Str("component", "http").Logger(),
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	if cfg.TracerProvider != nil {
		e.Use(otelecho.Middleware("provisioner", otelecho.WithTracerProvider(cfg.TracerProvider)))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = s.logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	}))

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.healthz)
	if s.cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.cfg.Metrics))
	}

	api := e.Group("/api/deployments")
	api.POST("", s.createDeployment)
	api.GET("", s.listDeployments)
	api.GET("/:id", s.getDeployment)
	api.POST("/:id/destroy", s.destroyDeployment)
	api.POST("/:id/cancel", s.cancelDeployment)
	api.POST("/:id/retry", s.retryDeployment)
	api.GET("/:id/outputs", s.getOutputs)
	api.GET("/:id/env", s.downloadEnv)
	api.GET("/:id/history", s.getHistory)
	api.GET("/:id/logs", s.streamLogs)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open log
// streams are closed by the shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(s.stopStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Listen).Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
