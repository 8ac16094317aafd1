package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Lybley/lifeos-sub001/internal/domain"
	apperrors "github.com/Lybley/lifeos-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

type statsResponse struct {
	domain.Stats
	InstanceID      string `json:"instanceId"`
	ActiveInstances int    `json:"activeInstances"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Stats.Stats()
	if err != nil {
		return apperrors.UnavailableError("registry unavailable", err)
	}

	resp := statsResponse{
		Stats:           stats,
		InstanceID:      s.deps.Dispatcher.InstanceID(),
		ActiveInstances: 1,
	}
	if s.deps.Instances != nil {
		instances, err := s.deps.Instances.ActiveInstances(c.Request().Context())
		if err != nil {
			slog.WarnContext(c.Request().Context(), "Failed to list active instances", "error", err)
			resp.ActiveInstances = 0
		} else {
			resp.ActiveInstances = len(instances)
		}
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
