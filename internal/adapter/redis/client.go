// Package redis connects the relay to Redis: the pub/sub bus, the instance
// registry and the client hooks for metrics and circuit breaking.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

var connectPolicy = retry.Policy{
	MaxAttempts:     6,
	InitialBackoff:  250 * time.Millisecond,
	MaxBackoff:      4 * time.Second,
	CooldownBackoff: 5 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable yet, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// NewClient parses redisURL, installs hooks in order and waits until Redis answers a PING.
func NewClient(ctx context.Context, redisURL string, hooks ...goredis.Hook) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	for _, h := range hooks {
		rdb.AddHook(h)
	}

	err = retry.DoVoid(ctx, connectPolicy, classify, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// classify treats an open circuit as a cooldown and everything else as transient.
func classify(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Cooldown
	}
	return retry.Retry
}
