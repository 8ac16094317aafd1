// Package kafka ingests publish requests from an upstream Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/dispatch"
	"github.com/Lybley/lifeos-sub001/internal/platform/retry"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
)

const fetchErrorBackoff = time.Second

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher publishes one validated request onto the bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
}

// Consumer reads {type,userIds,data,broadcast} messages and hands them to the
// dispatcher. Offsets are committed after each message whether or not it could
// be published; malformed messages are logged and skipped.
type Consumer struct {
	reader     Reader
	dispatcher Dispatcher
	clock      clockwork.Clock
	policy     retry.Policy
}

func NewConsumer(brokers []string, topic, groupID string, d Dispatcher, clock clockwork.Clock) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newConsumer(reader, d, clock)
}

func newConsumer(reader Reader, d Dispatcher, clock clockwork.Clock) *Consumer {
	return &Consumer{
		reader:     reader,
		dispatcher: d,
		clock:      clock,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Warn("Kafka reader close failed", "error", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Kafka fetch failed", "error", err)
			select {
			case <-c.clock.After(fetchErrorBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Kafka commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := slog.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	req, err := decodeRequest(msg.Value)
	if err != nil {
		log.Warn("Skipping malformed Kafka message", "error", err)
		return
	}

	err = retry.DoVoid(ctx, c.policy, classify, func() error {
		return c.dispatcher.Dispatch(ctx, req)
	})
	if err != nil {
		log.Error("Kafka publish request failed", "event_type", req.Type, "error", err)
		return
	}
	log.Debug("Kafka publish request dispatched", "event_type", req.Type, "users", len(req.UserIDs), "broadcast", req.Broadcast)
}

func decodeRequest(value []byte) (dispatch.Request, error) {
	var req dispatch.Request
	if err := json.Unmarshal(value, &req); err != nil {
		return dispatch.Request{}, fmt.Errorf("decode: %w", err)
	}
	if _, err := req.Validate(); err != nil {
		return dispatch.Request{}, err
	}
	return req, nil
}

func classify(err error) retry.Action {
	if dispatch.IsInvalid(err) || errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	return retry.Retry
}
