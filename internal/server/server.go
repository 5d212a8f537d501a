// Package server exposes batch evaluation over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm"
)

// Service is the batch surface the server drives.
type Service interface {
	RunBatch(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResponse, error)
	GetBatch(ctx context.Context, batchID string) (*domain.EvaluationResponse, error)
	ListBatches(ctx context.Context) ([]domain.BatchSummary, error)
}

// Config configures the listener.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	LogLevel        string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error off"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// DefaultConfig listens on :8000. There is no write timeout because a
// POST /evaluate response is only written once the batch has finished.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		LogLevel:        "warn",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithCapabilities serves each model capability as a standalone endpoint:
// POST /generate_image, /rate_quality, /analyze_image_similarity and
// /describe. Incomplete capability sets are ignored.
func WithCapabilities(caps llm.Capabilities) Option {
	return func(s *Server) {
		if caps.Validate() == nil {
			s.caps = &capabilityRoutes{caps: caps}
		}
	}
}

// Server serves the batch API.
type Server struct {
	cfg    Config
	svc    Service
	echo   *echo.Echo
	caps   *capabilityRoutes
	logger *zap.Logger
}

// New creates a server with every route registered.
func New(cfg Config, svc Service, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		echo:   echo.New(),
		logger: logger.With(zap.String("component", "server")),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	setLevel(e, cfg.LogLevel)
	e.HTTPErrorHandler = s.errorHandler
	e.Server.ReadTimeout = cfg.ReadTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Info("request", fields...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.POST("/evaluate", s.evaluate)
	e.GET("/evaluation/:batch_id", s.getEvaluation)
	e.GET("/evaluation_batches", s.listBatches)
	if s.caps != nil {
		s.caps.register(e)
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errc <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setLevel maps a level name onto echo's gommon logger.
func setLevel(e *echo.Echo, level string) {
	switch strings.ToLower(level) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
	}
}
