package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{
	MaxAttempts:     3,
	InitialBackoff:  time.Millisecond,
	CooldownBackoff: 5 * time.Millisecond,
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy, retry.Always, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("invalid url")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, alwaysStop, func() (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})

	var permErr *retry.PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedAttempts(t *testing.T) {
	underlying := errors.New("timeout")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, retry.Always, func() (struct{}, error) {
		calls++
		return struct{}{}, underlying
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, underlying)
	assert.Equal(t, fastPolicy.MaxAttempts, calls)
}

func TestDo_BackoffDoublesUpToCap(t *testing.T) {
	var waits []time.Duration
	p := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			waits = append(waits, backoff)
		},
	}

	_ = retry.DoVoid(context.Background(), p, retry.Always, func() error { return errors.New("down") })

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}, waits)
}

func TestDo_CooldownBackoff(t *testing.T) {
	var observed time.Duration
	p := fastPolicy
	p.MaxAttempts = 2
	p.OnRetry = func(_ int, _ error, backoff time.Duration) { observed = backoff }

	cooldown := func(error) retry.Action { return retry.Cooldown }
	_ = retry.DoVoid(context.Background(), p, cooldown, func() error { return errors.New("circuit open") })

	assert.Equal(t, 5*time.Millisecond, observed)
}

func TestDo_ContextCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{MaxAttempts: 3, InitialBackoff: 10 * time.Second}

	calls := 0
	err := retry.DoVoid(ctx, p, retry.Always, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_RejectsZeroAttempts(t *testing.T) {
	called := false
	err := retry.DoVoid(context.Background(), retry.Policy{}, retry.Always, func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func alwaysStop(error) retry.Action { return retry.Stop }
