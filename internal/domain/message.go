package domain

import "time"

// MessageType tags a ServerMessage.
type MessageType string

const (
	MessageEvent        MessageType = "event"
	MessageError        MessageType = "error"
	MessagePong         MessageType = "pong"
	MessageSubscribed   MessageType = "subscribed"
	MessageUnsubscribed MessageType = "unsubscribed"
)

// ServerMessage is the transport-facing envelope written to clients.
type ServerMessage struct {
	Type  MessageType `json:"type"`
	Data  any         `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ChannelsData is the payload of subscribed/unsubscribed confirmations.
type ChannelsData struct {
	ConnectionID string   `json:"connectionId,omitempty"`
	Channels     []string `json:"channels"`
}

// PongData is the payload of a pong.
type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

func EventMessage(e Event) ServerMessage {
	return ServerMessage{Type: MessageEvent, Data: e}
}

func PongMessage(now time.Time) ServerMessage {
	return ServerMessage{Type: MessagePong, Data: PongData{Timestamp: now.UnixMilli()}}
}

func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: MessageError, Error: msg}
}

// SubscribedMessage confirms a subscription. connectionID is only set on the
// confirmation sent right after connect.
func SubscribedMessage(connectionID string, channels []string) ServerMessage {
	if channels == nil {
		channels = []string{}
	}
	return ServerMessage{Type: MessageSubscribed, Data: ChannelsData{ConnectionID: connectionID, Channels: channels}}
}

func UnsubscribedMessage(channels []string) ServerMessage {
	if channels == nil {
		channels = []string{}
	}
	return ServerMessage{Type: MessageUnsubscribed, Data: ChannelsData{Channels: channels}}
}
