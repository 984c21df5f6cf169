package eventbus

import "context"

// Transport is the broker underneath the bus. Publish hands a payload to the
// broker; Subscribe returns a channel carrying every payload published on topic,
// in publish order, until ctx is cancelled.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Ping(ctx context.Context) error
	Close() error
}
