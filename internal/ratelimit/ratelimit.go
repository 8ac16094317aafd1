// Package ratelimit implements the per-connection outbound token bucket.
//
// Buckets are refilled by an external periodic tick rather than lazily on use,
// so idle connections regain their burst regardless of send activity.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type bucket struct {
	tokens       float64
	lastRefillAt time.Time
	drops        uint64
}

// Limiter holds one token bucket per connection id.
type Limiter struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	burst        float64
	refillAmount float64
	buckets      map[string]*bucket
	drops        uint64
}

// New creates a limiter whose buckets hold at most burstSize tokens and gain
// maxEventsPerSecond tokens per second when Refill is called every refillInterval.
func New(maxEventsPerSecond, burstSize int, refillInterval time.Duration, clock clockwork.Clock) (*Limiter, error) {
	if maxEventsPerSecond <= 0 {
		return nil, fmt.Errorf("max events per second must be positive, got %d", maxEventsPerSecond)
	}
	if burstSize <= 0 {
		return nil, fmt.Errorf("burst size must be positive, got %d", burstSize)
	}
	if refillInterval <= 0 {
		return nil, fmt.Errorf("refill interval must be positive, got %v", refillInterval)
	}

	return &Limiter{
		clock:        clock,
		burst:        float64(burstSize),
		refillAmount: float64(maxEventsPerSecond) * refillInterval.Seconds(),
		buckets:      make(map[string]*bucket),
	}, nil
}

// Add creates a full bucket for id, replacing any existing one.
func (l *Limiter) Add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[id] = &bucket{tokens: l.burst, lastRefillAt: l.clock.Now()}
}

// Remove deletes the bucket for id. Later Allow calls for id return false
// and Refill never recreates it.
func (l *Limiter) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, id)
}

// Allow consumes one token from id's bucket. It returns false and counts a
// drop when fewer than one token is left. Unknown ids are never allowed.
func (l *Limiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok {
		return false
	}
	if b.tokens < 1 {
		b.drops++
		l.drops++
		return false
	}
	b.tokens--
	return true
}

// Refill adds one tick worth of tokens to every existing bucket, capped at the burst size.
func (l *Limiter) Refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for _, b := range l.buckets {
		b.tokens = min(b.tokens+l.refillAmount, l.burst)
		b.lastRefillAt = now
	}
}

// Tokens reports the current token count of id's bucket.
func (l *Limiter) Tokens(id string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok {
		return 0, false
	}
	return b.tokens, true
}

// Drops returns the total number of denied sends across all buckets, including removed ones.
func (l *Limiter) Drops() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drops
}

// DropsFor returns the number of denied sends for a live bucket.
func (l *Limiter) DropsFor(id string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[id]; ok {
		return b.drops
	}
	return 0
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
