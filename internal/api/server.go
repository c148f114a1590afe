// Package api serves the daemon's HTTP status surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/daemon"
	"github.com/rancher/deployd/internal/history"
	"github.com/rancher/deployd/internal/model"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = "127.0.0.1:8089"

// Repositories exposes the live repository list.
type Repositories interface {
	AllRepositories() []model.Repository
	NextCheckTime() (time.Time, bool)
}

// Scheduler accepts cycle requests and reports its state.
type Scheduler interface {
	AskForCycle()
	Status() daemon.Status
}

// History lists recent stage runs.
type History interface {
	Recent(ctx context.Context, repository string, limit int) ([]history.Entry, error)
}

// Server wraps an echo instance bound to a single address.
type Server struct {
	e      *echo.Echo
	server *http.Server
	log    *zap.Logger
}

// New configures routes and middleware. hist may be nil.
func New(addr string, repos Repositories, scheduler Scheduler, hist History, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if addr == "" {
		addr = DefaultAddress
	}
	logger = logger.With(zap.String("component", "api"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	configureMiddleware(e, logger)

	h := &handlers{repos: repos, scheduler: scheduler, hist: hist}
	e.GET("/healthz", h.health)
	e.GET("/status", h.status)
	e.POST("/cycle", h.cycle)
	e.GET("/history", h.listHistory)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{
		e: e,
		server: &http.Server{
			Addr:              addr,
			Handler:           e,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
		log: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens in the background.
func (s *Server) Start(context.Context) error {
	go func() {
		s.log.Info("starting API server", zap.String("addr", s.server.Addr))
		if err := s.e.StartServer(s.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting echo server", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping API server")
	return s.e.Shutdown(ctx)
}

func configureMiddleware(e *echo.Echo, l *zap.Logger) {
	e.Use(middleware.RequestID())

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1 << 12, // 4 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			l.Error("recovered from panic",
				zap.Error(err),
				zap.ByteString("stack", stack),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		},
	}))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRequestID: true,
		LogStatus:    true,
	}))
}
