package httpserver

import (
	"github.com/Lybley/lifeos-sub001/internal/platform/logging"
	"github.com/labstack/echo/v4"
)

// correlationMiddleware tags the request context with a correlation id, reusing
// X-Request-ID when a proxy already assigned one.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" || len(id) > 64 {
			id = logging.NewCorrelationID()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		ctx := logging.WithCorrelationID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
