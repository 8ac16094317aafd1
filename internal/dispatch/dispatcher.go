// Package dispatch originates events onto the bus.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	publishTimeout = 2 * time.Second
	maxInFlight    = 16
)

// Dispatcher builds events and publishes them on user, broadcast or custom channels.
// It holds no state besides its publisher; instanceID only tags events for diagnostics.
type Dispatcher struct {
	publisher  domain.Publisher
	clock      clockwork.Clock
	instanceID string
	metrics    *metrics.BusMetrics
}

func New(publisher domain.Publisher, clock clockwork.Clock, instanceID string, m *metrics.BusMetrics) *Dispatcher {
	return &Dispatcher{publisher: publisher, clock: clock, instanceID: instanceID, metrics: m}
}

// InstanceID returns the diagnostic tag of this process.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Publish sends one event per user on that user's channel. Every publish is
// attempted even when some fail; the joined error lists each failure.
func (d *Dispatcher) Publish(ctx context.Context, eventType domain.EventType, userIDs []string, payload any) error {
	if _, err := domain.ParseEventType(string(eventType)); err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	errs := make([]error, len(userIDs))
	g := new(errgroup.Group)
	g.SetLimit(maxInFlight)
	for i, userID := range userIDs {
		g.Go(func() error {
			if userID == "" {
				errs[i] = errors.New("publish: empty user id")
				return nil
			}
			event := d.newEvent(eventType, userID, data)
			if err := d.PublishToChannel(ctx, domain.UserChannel(userID), event); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		slog.WarnContext(ctx, "Batch publish partially failed", "event_type", eventType, "users", len(userIDs), "error", err)
		return err
	}
	return nil
}

// Broadcast sends one event to every connected user.
func (d *Dispatcher) Broadcast(ctx context.Context, eventType domain.EventType, payload any) error {
	if _, err := domain.ParseEventType(string(eventType)); err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return d.PublishToChannel(ctx, domain.BroadcastChannel, d.newEvent(eventType, domain.BroadcastUserID, data))
}

// PublishToChannel publishes an already built event on an arbitrary channel.
func (d *Dispatcher) PublishToChannel(ctx context.Context, channel string, event domain.Event) error {
	if err := domain.ValidateChannel(channel); err != nil {
		return err
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, channel, encoded); err != nil {
		d.countPublish("error")
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}
	d.countPublish("success")
	return nil
}

// NewEvent builds an event with a fresh id for callers of PublishToChannel.
func (d *Dispatcher) NewEvent(eventType domain.EventType, userID string, payload any) (domain.Event, error) {
	if _, err := domain.ParseEventType(string(eventType)); err != nil {
		return domain.Event{}, err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return domain.Event{}, err
	}
	return d.newEvent(eventType, userID, data), nil
}

func (d *Dispatcher) newEvent(eventType domain.EventType, userID string, data json.RawMessage) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: d.clock.Now().UTC(),
		UserID:    userID,
		Data:      data,
		Source:    d.instanceID,
	}
}

func (d *Dispatcher) countPublish(result string) {
	if d.metrics != nil {
		d.metrics.Published.WithLabelValues(result).Inc()
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}
