package httpserver

import (
	"math"
	"strconv"
	"time"

	apperrors "github.com/Lybley/lifeos-sub001/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter limits the publish API per client IP. A rejected caller gets
// a structured 429 and a Retry-After of one token interval.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	retryAfter := retryAfterSeconds(ratePerSecond)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: clientIP,
		Store:               store,
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.InternalError("identify rate limited client", err)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("rate limit exceeded").WithContext("client", identifier)
		},
	})
}

func clientIP(c echo.Context) (string, error) {
	return c.RealIP(), nil
}

// retryAfterSeconds rounds the token interval up to whole seconds, minimum one.
func retryAfterSeconds(ratePerSecond float64) string {
	if ratePerSecond <= 0 {
		return "1"
	}
	secs := int(math.Ceil(1 / ratePerSecond))
	return strconv.Itoa(max(secs, 1))
}
