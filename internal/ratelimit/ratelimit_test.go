package ratelimit

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perSecond, burst int) *Limiter {
	t.Helper()
	l, err := New(perSecond, burst, 100*time.Millisecond, clockwork.NewFakeClock())
	require.NoError(t, err)
	return l
}

func TestNew_RejectsNonPositive(t *testing.T) {
	clock := clockwork.NewFakeClock()

	_, err := New(0, 20, 100*time.Millisecond, clock)
	assert.Error(t, err)
	_, err = New(10, 0, 100*time.Millisecond, clock)
	assert.Error(t, err)
	_, err = New(10, 20, 0, clock)
	assert.Error(t, err)
}

func TestLimiter_BurstThenThrottle(t *testing.T) {
	l := newTestLimiter(t, 10, 20)
	l.Add("c1")

	for i := 0; i < 20; i++ {
		assert.True(t, l.Allow("c1"), "call %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("c1"), "21st call should be denied")
	assert.Equal(t, uint64(1), l.Drops())
	assert.Equal(t, uint64(1), l.DropsFor("c1"))
}

func TestLimiter_RefillRate(t *testing.T) {
	l := newTestLimiter(t, 10, 20)
	l.Add("c1")
	for l.Allow("c1") {
	}

	// 10/s at 100ms ticks is one token per tick.
	l.Refill()
	tokens, ok := l.Tokens("c1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, tokens, 1e-9)

	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l := newTestLimiter(t, 10, 20)
	l.Add("c1")

	for i := 0; i < 50; i++ {
		l.Refill()
	}
	tokens, _ := l.Tokens("c1")
	assert.Equal(t, 20.0, tokens)
}

func TestLimiter_FractionalRefill(t *testing.T) {
	l := newTestLimiter(t, 5, 5)
	l.Add("c1")
	for l.Allow("c1") {
	}

	l.Refill()
	assert.False(t, l.Allow("c1"), "half a token is not enough")
	l.Refill()
	assert.True(t, l.Allow("c1"))
}

func TestLimiter_UnknownAndRemoved(t *testing.T) {
	l := newTestLimiter(t, 10, 20)
	assert.False(t, l.Allow("ghost"))

	l.Add("c1")
	l.Remove("c1")
	l.Refill()

	_, ok := l.Tokens("c1")
	assert.False(t, ok, "refill must not resurrect a removed bucket")
	assert.False(t, l.Allow("c1"))
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_AddResetsToFull(t *testing.T) {
	l := newTestLimiter(t, 10, 20)
	l.Add("c1")
	for l.Allow("c1") {
	}
	l.Add("c1")

	tokens, _ := l.Tokens("c1")
	assert.Equal(t, 20.0, tokens)
}

func TestLimiter_BucketsAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 10, 2)
	l.Add("a")
	l.Add("b")

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_TokensStayWithinBounds(t *testing.T) {
	l := newTestLimiter(t, 7, 13)
	l.Add("c1")
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		if rng.Intn(3) == 0 {
			l.Refill()
		} else {
			l.Allow("c1")
		}
		tokens, _ := l.Tokens("c1")
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, 13.0)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := newTestLimiter(t, 10, 100)
	l.Add("c1")

	var wg sync.WaitGroup
	allowed := make(chan bool, 400)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				allowed <- l.Allow("c1")
			}
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	assert.Equal(t, 100, count)
	assert.Equal(t, uint64(300), l.Drops())
}
