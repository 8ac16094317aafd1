package httpserver

import (
	"log/slog"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	apperrors "github.com/Lybley/lifeos-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.deps.HTTPMetrics != nil {
		s.echo.Use(s.deps.HTTPMetrics.Middleware())
		s.echo.Use(apperrors.Middleware(s.deps.HTTPMetrics.ErrorsTotal))
	} else {
		s.echo.Use(apperrors.Middleware(nil))
	}
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            63072000, // 2 years; only sent over HTTPS
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))

	s.echo.GET("/events", s.handleConnect, s.connectionGuard)
	s.echo.GET("/stats", s.handleStats)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Metrics)))
	}

	s.registerHealthRoutes()
	s.registerAPIRoutes()
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			return path == "/metrics" || path == "/health/live" || path == "/health/ready"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
