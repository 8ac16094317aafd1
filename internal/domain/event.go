package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event kinds the relay carries.
type EventType string

const (
	EventSyncProgress  EventType = "SYNC_PROGRESS"
	EventSyncCompleted EventType = "SYNC_COMPLETED"
	EventSyncFailed    EventType = "SYNC_FAILED"
	EventTaskCreated   EventType = "TASK_CREATED"
	EventTaskUpdated   EventType = "TASK_UPDATED"
	EventAgentStatus   EventType = "AGENT_STATUS"
	EventRiskAlert     EventType = "RISK_ALERT"
	EventAlert         EventType = "ALERT"
	EventNotification  EventType = "NOTIFICATION"
)

var knownEventTypes = map[EventType]struct{}{
	EventSyncProgress:  {},
	EventSyncCompleted: {},
	EventSyncFailed:    {},
	EventTaskCreated:   {},
	EventTaskUpdated:   {},
	EventAgentStatus:   {},
	EventRiskAlert:     {},
	EventAlert:         {},
	EventNotification:  {},
}

// ParseEventType validates s against the known event kinds.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := knownEventTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// BroadcastUserID addresses an event to every connected user.
const BroadcastUserID = "*"

// Event is the bus-facing unit of delivery. Values are never mutated after
// construction; Data holds the already-encoded type-specific payload.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// DecodeEvent parses a bus payload into an Event and checks its type.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedFrame)
	}
	return e, nil
}
