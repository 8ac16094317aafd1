package domain

import (
	"context"
	"time"
)

// Transport is the client-facing protocol of a connection.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// ConnectionMeta is what a transport knows about a connection at accept time.
// Channels are the initial explicit subscriptions (fixed for SSE).
type ConnectionMeta struct {
	UserID     string
	Transport  Transport
	Channels   []string
	RemoteAddr string
}

// ConnectionInfo is a read-only copy of a registered connection.
type ConnectionInfo struct {
	ID             string
	UserID         string
	Transport      Transport
	Channels       []string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// Sink is the registry's delivery callback into a transport. Send must not block;
// Close ends the transport side of the connection and is safe to call repeatedly.
type Sink interface {
	Send(msg ServerMessage) error
	Close(reason string)
}

// Stats is a snapshot of the registry.
type Stats struct {
	TotalConnections       int               `json:"totalConnections"`
	UniqueUsers            int               `json:"uniqueUsers"`
	SubscribedChannels     int               `json:"subscribedChannels"`
	ConnectionsByTransport map[Transport]int `json:"connectionsByTransport"`
}

// Authenticator resolves a bearer token to the owning user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}
