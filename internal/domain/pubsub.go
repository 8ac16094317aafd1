package domain

import "context"

// Publisher puts an encoded payload on a bus channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Bus is the subscription side of the external pub/sub transport.
type Bus interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
}
