package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Lybley/lifeos-sub001/internal/dispatch"
	apperrors "github.com/Lybley/lifeos-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// InternalKeyHeader authenticates upstream services on the publish API.
const InternalKeyHeader = "X-Internal-Key"

type broadcastRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type publishResponse struct {
	Status     string `json:"status"`
	Type       string `json:"type"`
	Recipients int    `json:"recipients,omitempty"`
	Broadcast  bool   `json:"broadcast,omitempty"`
}

func (s *Server) registerAPIRoutes() {
	if s.opts.InternalAPIKey == "" {
		slog.Info("Publish API disabled, INTERNAL_API_KEY not set")
		return
	}

	api := s.echo.Group("/api/v1",
		middleware.BodyLimit("64K"),
		middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:" + InternalKeyHeader,
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.InternalAPIKey)) == 1, nil
			},
			ErrorHandler: func(error, echo.Context) error {
				return apperrors.UnauthorizedError("invalid or missing internal key")
			},
		}),
		newRateLimiter(s.opts.APIRatePerSec, s.opts.APIBurst),
	)
	api.POST("/events", s.handlePublish)
	api.POST("/events/broadcast", s.handleBroadcast)
}

func (s *Server) handlePublish(c echo.Context) error {
	var req dispatch.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return apperrors.ValidationError("malformed JSON body")
	}
	req.Broadcast = false
	return s.dispatch(c, req)
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var body broadcastRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return apperrors.ValidationError("malformed JSON body")
	}
	return s.dispatch(c, dispatch.Request{Type: body.Type, Data: body.Data, Broadcast: true})
}

func (s *Server) dispatch(c echo.Context, req dispatch.Request) error {
	err := s.deps.Dispatcher.Dispatch(c.Request().Context(), req)
	switch {
	case err == nil:
	case dispatch.IsInvalid(err):
		return apperrors.ValidationError(err.Error())
	default:
		return apperrors.ExternalError("publish failed", err).WithContext("event_type", req.Type)
	}

	resp := publishResponse{Status: "published", Type: req.Type, Recipients: len(req.UserIDs), Broadcast: req.Broadcast}
	if err := c.JSON(http.StatusAccepted, resp); err != nil {
		return fmt.Errorf("failed to write publish response: %w", err)
	}
	return nil
}
