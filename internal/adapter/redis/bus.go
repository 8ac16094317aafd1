package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

const defaultReceiveTimeout = 15 * time.Second

var (
	_ domain.Bus       = (*Bus)(nil)
	_ domain.Publisher = (*Bus)(nil)
)

// Bus is the Redis pub/sub transport. It owns one PubSub connection for all
// channel subscriptions of this process. When the connection fails, Run
// replaces it with a fresh one that has no subscriptions and calls the
// reconnect callback so the owner can re-issue them.
type Bus struct {
	rdb     *goredis.Client
	metrics *metrics.BusMetrics

	mu     sync.Mutex
	pubsub *goredis.PubSub

	receiveTimeout  time.Duration
	reconnectPolicy retry.Policy
}

func NewBus(rdb *goredis.Client, m *metrics.BusMetrics) *Bus {
	return &Bus{
		rdb:            rdb,
		metrics:        m,
		receiveTimeout: defaultReceiveTimeout,
		reconnectPolicy: retry.Policy{
			MaxAttempts:     5,
			InitialBackoff:  250 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			CooldownBackoff: 10 * time.Second,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Bus resubscribe failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

// Publish sends payload to channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe adds channels to the current PubSub connection.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return b.current(ctx).Subscribe(ctx, channels...)
}

// Unsubscribe removes channels from the current PubSub connection.
func (b *Bus) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return b.current(ctx).Unsubscribe(ctx, channels...)
}

func (b *Bus) current(ctx context.Context) *goredis.PubSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		b.pubsub = b.rdb.Subscribe(ctx)
	}
	return b.pubsub
}

// reset drops the current PubSub connection; the next use creates a fresh one.
func (b *Bus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
	}
}

// Run receives messages and hands them to deliver until ctx is cancelled.
// After a connection failure it calls onReconnect, retrying with backoff until
// it succeeds; onReconnect must re-subscribe every channel still wanted.
func (b *Bus) Run(ctx context.Context, deliver func(channel string, payload []byte), onReconnect func(ctx context.Context) error) {
	defer b.reset()

	resubscribe := false
	for ctx.Err() == nil {
		if resubscribe {
			err := retry.DoVoid(ctx, b.reconnectPolicy, classify, func() error { return onReconnect(ctx) })
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("Bus resubscribe gave up, starting over", "error", err)
					b.reset()
				}
				continue
			}
			resubscribe = false
		}

		err := b.receive(ctx, b.current(ctx), deliver)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("Bus connection lost", "error", err)
		if b.metrics != nil {
			b.metrics.Reconnects.Inc()
		}
		b.reset()
		resubscribe = true
	}
}

func (b *Bus) receive(ctx context.Context, ps *goredis.PubSub, deliver func(string, []byte)) error {
	for {
		msg, err := ps.ReceiveTimeout(ctx, b.receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTimeout(err) {
				return err
			}
			// Quiet period: prove the connection is still alive.
			if err := ps.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			continue
		}

		switch m := msg.(type) {
		case *goredis.Message:
			deliver(m.Channel, []byte(m.Payload))
		case *goredis.Subscription:
			slog.Debug("Bus subscription changed", "kind", m.Kind, "channel", m.Channel, "count", m.Count)
		case *goredis.Pong:
		default:
			slog.Debug("Bus received unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
