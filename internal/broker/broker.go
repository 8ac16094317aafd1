// Package broker bridges local channel interest to the external pub/sub bus.
//
// Interest is ref-counted per channel so one bus subscription serves every
// local connection that wants the channel. The broadcast channel has a floor
// of one and is never unsubscribed.
//
// Counting is synchronous and never touches the network. The 0→1 and 1→0
// transitions it produces are queued and replayed against the bus, in order,
// by a single goroutine started with Start.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/domain"
)

const busTimeout = 2 * time.Second

// Handler receives every bus message for a channel with local interest.
type Handler func(channel string, payload []byte)

type transition struct {
	subscribe bool
	channel   string
}

// Broker ref-counts channel interest and drives bus subscribe/unsubscribe.
type Broker struct {
	mu      sync.Mutex
	refs    map[string]int
	queue   []transition
	pending int // queued plus in flight
	handler Handler

	// ioMu orders bus calls between the transition worker and Reconcile.
	ioMu    sync.Mutex
	bus     domain.Bus
	wake    chan struct{}
	metrics *metrics.BusMetrics
}

// New creates a broker with the broadcast channel already counted.
// Start performs the initial bus subscription.
func New(bus domain.Bus, m *metrics.BusMetrics) *Broker {
	b := &Broker{
		bus:     bus,
		refs:    map[string]int{domain.BroadcastChannel: 1},
		wake:    make(chan struct{}, 1),
		metrics: m,
	}
	b.updateGauge()
	return b
}

// Start subscribes the broadcast channel on the bus and starts replaying
// transitions until ctx ends.
func (b *Broker) Start(ctx context.Context) error {
	b.ioMu.Lock()
	err := b.busSubscribe(ctx, domain.BroadcastChannel)
	b.ioMu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.BroadcastChannel, err)
	}

	go b.run(ctx)
	return nil
}

// OnMessage installs the single local dispatch function.
func (b *Broker) OnMessage(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Subscribe records one more unit of local interest in channel. Only the 0→1
// transition is queued for the bus.
func (b *Broker) Subscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[channel]++
	if b.refs[channel] > 1 {
		return
	}
	b.updateGauge()
	b.enqueue(transition{subscribe: true, channel: channel})
}

// Unsubscribe releases one unit of local interest in channel. Only the 1→0
// transition is queued for the bus. Counts never go negative and the broadcast
// floor is never released.
func (b *Broker) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if channel == domain.BroadcastChannel {
		return
	}
	count, ok := b.refs[channel]
	if !ok {
		return
	}
	if count > 1 {
		b.refs[channel] = count - 1
		return
	}
	delete(b.refs, channel)
	b.updateGauge()
	b.enqueue(transition{subscribe: false, channel: channel})
}

// Pending returns the number of transitions not yet applied to the bus.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Reconcile re-issues a bus subscription for every channel with local interest.
// The bus connection is assumed to have forgotten all prior subscriptions.
// Transitions queued after the snapshot are replayed after it.
func (b *Broker) Reconcile(ctx context.Context) error {
	b.ioMu.Lock()
	defer b.ioMu.Unlock()

	channels := b.Channels()
	if err := b.busSubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("reconcile %d channels: %w", len(channels), err)
	}
	slog.Info("Bus subscriptions reconciled", "channels", len(channels))
	return nil
}

// Deliver hands a bus message to the local dispatch function. Messages for
// channels without local interest are discarded; they can still arrive for a
// short while after an unsubscribe.
func (b *Broker) Deliver(channel string, payload []byte) {
	b.mu.Lock()
	_, interested := b.refs[channel]
	h := b.handler
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessagesReceived.Inc()
	}
	if !interested {
		slog.Debug("Discarding message for channel without interest", "channel", channel)
		return
	}
	if h == nil {
		return
	}
	h(channel, payload)
}

// RefCount returns the local interest count for channel.
func (b *Broker) RefCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[channel]
}

// Channels returns the channels with local interest, sorted.
func (b *Broker) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.refs))
	for ch := range b.refs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// enqueue must be called with mu held.
func (b *Broker) enqueue(t transition) {
	b.queue = append(b.queue, t)
	b.pending++
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}

		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, t := range batch {
			b.apply(ctx, t)
		}
	}
}

// apply performs one transition. A failure only loses the bus side; the count
// is already correct and the next Reconcile restores the subscription.
func (b *Broker) apply(ctx context.Context, t transition) {
	defer func() {
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()
	}()

	b.ioMu.Lock()
	defer b.ioMu.Unlock()

	var err error
	if t.subscribe {
		err = b.busSubscribe(ctx, t.channel)
	} else {
		err = b.busUnsubscribe(ctx, t.channel)
	}
	if err != nil {
		if b.metrics != nil {
			b.metrics.TransitionErrors.Inc()
		}
		slog.Warn("Bus transition failed, will retry on reconcile", "channel", t.channel, "subscribe", t.subscribe, "error", err)
		return
	}
	slog.Debug("Bus transition applied", "channel", t.channel, "subscribe", t.subscribe)
}

func (b *Broker) busSubscribe(ctx context.Context, channels ...string) error {
	ctx, cancel := context.WithTimeout(ctx, busTimeout)
	defer cancel()
	return b.bus.Subscribe(ctx, channels...)
}

func (b *Broker) busUnsubscribe(ctx context.Context, channels ...string) error {
	ctx, cancel := context.WithTimeout(ctx, busTimeout)
	defer cancel()
	return b.bus.Unsubscribe(ctx, channels...)
}

func (b *Broker) updateGauge() {
	if b.metrics != nil {
		b.metrics.SubscribedChannels.Set(float64(len(b.refs)))
	}
}
