package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newErrorsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total"}, []string{"type"})
}

func runMiddleware(t *testing.T, counter *prometheus.CounterVec, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, Middleware(counter)(h)(c)
}

func TestMiddleware_StructuredError(t *testing.T) {
	counter := newErrorsCounter()
	rec, err := runMiddleware(t, counter, func(echo.Context) error {
		return ValidationError("unknown event type").WithContext("type", "NOPE")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unknown event type", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "NOPE", resp.Context["type"])
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("validation")))
}

func TestMiddleware_PlainErrorBecomesInternal(t *testing.T) {
	counter := newErrorsCounter()
	rec, err := runMiddleware(t, counter, func(echo.Context) error {
		return errors.New("nil pointer somewhere")
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("internal")))
}

func TestMiddleware_EchoErrorPassesThrough(t *testing.T) {
	counter := newErrorsCounter()
	_, err := runMiddleware(t, counter, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	})

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("rate_limited")))
}

func TestMiddleware_NoError(t *testing.T) {
	rec, err := runMiddleware(t, nil, func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWrapHTTPError(t *testing.T) {
	tests := []struct {
		code     int
		message  any
		wantType ErrorType
		wantMsg  string
	}{
		{http.StatusBadRequest, "bad", TypeValidation, "bad"},
		{http.StatusUnauthorized, nil, TypeUnauthorized, "Unauthorized"},
		{http.StatusForbidden, "nope", TypeUnauthorized, "nope"},
		{http.StatusNotFound, "Not Found", TypeNotFound, "Not Found"},
		{http.StatusTooManyRequests, 42, TypeRateLimited, "Too Many Requests"},
		{http.StatusBadGateway, "", TypeExternal, "Bad Gateway"},
		{http.StatusServiceUnavailable, "full", TypeUnavailable, "full"},
		{http.StatusTeapot, "tea", TypeInternal, "tea"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			got := WrapHTTPError(&echo.HTTPError{Code: tt.code, Message: tt.message})
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}

	cause := errors.New("inner")
	wrapped := WrapHTTPError(&echo.HTTPError{Code: http.StatusBadGateway, Internal: cause})
	assert.ErrorIs(t, wrapped, cause)
}
