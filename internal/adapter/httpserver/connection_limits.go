package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateEntryIdle    = 10 * time.Minute
	rateCleanupEvery = 5 * time.Minute
)

// LimitReason describes why a connect attempt was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionLimits caps concurrent streams globally and per IP, and the rate
// of new connect attempts per IP. Slots are held for the connection lifetime.
type ConnectionLimits struct {
	clock clockwork.Clock

	mu        sync.Mutex
	total     int
	perIP     map[string]int
	rates     map[string]*rateEntry
	cleanupAt time.Time

	maxTotal int
	maxPerIP int
	rate     rate.Limit
	burst    int
}

func NewConnectionLimits(maxTotal, maxPerIP int, connectsPerSecond float64, burst int, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		perIP:     make(map[string]int),
		rates:     make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(rateCleanupEvery),
		maxTotal:  maxTotal,
		maxPerIP:  maxPerIP,
		rate:      rate.Limit(connectsPerSecond),
		burst:     burst,
	}
}

// Acquire takes a slot for ip. On failure nothing is held.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(rateCleanupEvery)
	}

	entry, ok := l.rates[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.rates[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}

	if l.total >= l.maxTotal {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.maxPerIP {
		return false, LimitReasonPerIP
	}

	l.total++
	l.perIP[ip]++
	return true, ""
}

// Release returns the slot taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total > 0 {
		l.total--
	}
	if n := l.perIP[ip]; n > 1 {
		l.perIP[ip] = n - 1
	} else {
		delete(l.perIP, ip)
	}
}

// Current returns the number of held slots overall and for ip.
func (l *ConnectionLimits) Current(ip string) (total, forIP int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.perIP[ip]
}

// cleanup drops rate limiters of IPs not seen recently. Must be called with mu held.
func (l *ConnectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-rateEntryIdle)
	for ip, entry := range l.rates {
		if entry.lastSeen.Before(cutoff) {
			delete(l.rates, ip)
		}
	}
}

func (l *ConnectionLimits) trackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rates)
}
