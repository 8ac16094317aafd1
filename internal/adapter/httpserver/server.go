package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/adapter/redis"
	"github.com/Lybley/lifeos-sub001/internal/dispatch"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type statsSource interface {
	Stats() (domain.Stats, error)
}

type instanceLister interface {
	ActiveInstances(ctx context.Context) ([]redis.InstanceInfo, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
	InstanceID() string
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	WebSocket  http.Handler
	SSE        http.Handler
	Stats      statsSource
	Instances  instanceLister // optional
	Dispatcher eventDispatcher
	Limits     *ConnectionLimits

	Metrics        *prometheus.Registry
	HTTPMetrics    *metrics.HTTPMetrics
	ConnectMetrics *metrics.ConnectionMetrics
	HealthChecks   []HealthCheck
	Clock          clockwork.Clock
}

// Options configure routes that depend on deployment settings.
type Options struct {
	Port           string
	InternalAPIKey string // empty disables the publish API
	APIRatePerSec  float64
	APIBurst       int
}

type Server struct {
	echo      *echo.Echo
	opts      Options
	deps      Deps
	startTime time.Time
}

func NewServer(deps Deps, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if opts.APIRatePerSec <= 0 {
		opts.APIRatePerSec = 50
	}
	if opts.APIBurst <= 0 {
		opts.APIBurst = 100
	}

	srv := &Server{
		echo:      e,
		opts:      opts,
		deps:      deps,
		startTime: deps.Clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.opts.Port)
	if err := s.echo.Start(":" + s.opts.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
