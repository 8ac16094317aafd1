package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/platform/logging"
	"github.com/jonboulle/clockwork"
)

// Maintainer is the registry surface the sweeper drives.
type Maintainer interface {
	Refill()
	Sweep(staleAfter time.Duration) ([]string, error)
}

// Sweeper refills rate-limit buckets on a short tick and removes connections
// idle for longer than staleAfter on a long one.
type Sweeper struct {
	registry       Maintainer
	clock          clockwork.Clock
	refillInterval time.Duration
	sweepInterval  time.Duration
	staleAfter     time.Duration
}

func NewSweeper(registry Maintainer, clock clockwork.Clock, refillInterval, sweepInterval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		registry:       registry,
		clock:          clock,
		refillInterval: refillInterval,
		sweepInterval:  sweepInterval,
		staleAfter:     staleAfter,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	refill := s.clock.NewTicker(s.refillInterval)
	defer refill.Stop()
	sweep := s.clock.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refill.Chan():
			s.registry.Refill()
		case <-sweep.Chan():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	tickCtx := logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	removed, err := s.registry.Sweep(s.staleAfter)
	if err != nil {
		slog.WarnContext(tickCtx, "Sweep failed", "error", err)
		return
	}
	if len(removed) > 0 {
		slog.InfoContext(tickCtx, "Removed stale connections", "count", len(removed), "stale_after", s.staleAfter)
		return
	}
	slog.DebugContext(tickCtx, "Sweep found no stale connections")
}
