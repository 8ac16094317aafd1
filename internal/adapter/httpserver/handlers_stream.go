package httpserver

import (
	"log/slog"

	"github.com/Lybley/lifeos-sub001/internal/adapter/websocket"
	apperrors "github.com/Lybley/lifeos-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

// handleConnect is the single connect path: WebSocket upgrades go to the
// WebSocket adapter, everything else is served as an event stream.
func (s *Server) handleConnect(c echo.Context) error {
	if websocket.IsWebSocketUpgrade(c.Request()) {
		s.deps.WebSocket.ServeHTTP(c.Response(), c.Request())
		return nil
	}
	s.deps.SSE.ServeHTTP(c.Response(), c.Request())
	return nil
}

// connectionGuard holds a connection-limit slot for the lifetime of the stream.
func (s *Server) connectionGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Limits == nil {
			return next(c)
		}

		ip := c.RealIP()
		ok, reason := s.deps.Limits.Acquire(ip)
		if !ok {
			if s.deps.ConnectMetrics != nil {
				s.deps.ConnectMetrics.Rejected.WithLabelValues(string(reason)).Inc()
			}
			slog.WarnContext(c.Request().Context(), "Connection rejected", "reason", reason, "ip", ip)
			if reason == LimitReasonGlobal {
				return apperrors.UnavailableError("server at connection capacity", nil)
			}
			return apperrors.RateLimitedError("too many connections").WithContext("reason", string(reason))
		}
		defer s.deps.Limits.Release(ip)

		return next(c)
	}
}
