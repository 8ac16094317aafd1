package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// CircuitBreakerHook fails Redis commands fast while Redis is unhealthy.
// Publishes are best-effort, so failing fast beats queueing behind timeouts.
type CircuitBreakerHook struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.RedisMetrics
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook trips after at least 5 requests with a 60% failure
// rate inside a 10s window and lets a trial request through after 30s.
func NewCircuitBreakerHook(m *metrics.RedisMetrics) *CircuitBreakerHook {
	return newCircuitBreakerHook(m, gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
}

func newCircuitBreakerHook(m *metrics.RedisMetrics, st gobreaker.Settings) *CircuitBreakerHook {
	h := &CircuitBreakerHook{metrics: m}
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, goredis.Nil)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		if h.metrics != nil {
			h.metrics.CircuitState.Set(stateToFloat(to))
		}
	}
	h.cb = gobreaker.NewCircuitBreaker(st)
	return h
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			h.countRejection(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		return conn.(net.Conn), nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmd)
		})
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return err
			}
			h.countRejection(err)
			return fmt.Errorf("circuit breaker %s failed: %w", cmd.Name(), err)
		}
		return nil
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmds)
		})
		if err != nil {
			h.countRejection(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		return nil
	}
}

func (h *CircuitBreakerHook) countRejection(err error) {
	if h.metrics == nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		h.metrics.CircuitRejections.Inc()
	}
}

// State returns the current breaker state.
func (h *CircuitBreakerHook) State() gobreaker.State {
	return h.cb.State()
}

// Counts returns the breaker's counters for the current window.
func (h *CircuitBreakerHook) Counts() gobreaker.Counts {
	return h.cb.Counts()
}
