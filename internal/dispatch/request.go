package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Lybley/lifeos-sub001/internal/domain"
)

// ErrInvalidRequest marks publish requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid publish request")

// Request is the wire form of a publish coming from upstream services, over
// HTTP or Kafka. Exactly one of UserIDs and Broadcast selects the audience.
type Request struct {
	Type      string          `json:"type"`
	UserIDs   []string        `json:"userIds,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
}

// Validate checks the request shape and returns its event type.
func (r Request) Validate() (domain.EventType, error) {
	eventType, err := domain.ParseEventType(r.Type)
	if err != nil {
		return "", err
	}
	if r.Broadcast {
		if len(r.UserIDs) > 0 {
			return "", fmt.Errorf("%w: broadcast and userIds are exclusive", ErrInvalidRequest)
		}
		return eventType, nil
	}
	if len(r.UserIDs) == 0 {
		return "", fmt.Errorf("%w: userIds required", ErrInvalidRequest)
	}
	for _, id := range r.UserIDs {
		if strings.TrimSpace(id) == "" || id == domain.BroadcastUserID {
			return "", fmt.Errorf("%w: bad user id %q", ErrInvalidRequest, id)
		}
	}
	return eventType, nil
}

// Dispatch validates req and routes it to Publish or Broadcast.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	eventType, err := req.Validate()
	if err != nil {
		return err
	}
	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}
	if req.Broadcast {
		return d.Broadcast(ctx, eventType, payload)
	}
	return d.Publish(ctx, eventType, req.UserIDs, payload)
}

// IsInvalid reports whether err came from request validation rather than
// from the bus.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, domain.ErrInvalidEventType)
}
