package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSubscribeTimeout = time.Second

// RedisTransport fans events out across processes with Redis PUBLISH/SUBSCRIBE.
// The client is owned by the caller; Close does not close it.
type RedisTransport struct {
	client           *redis.Client
	subscribeTimeout time.Duration
	bufferSize       int
}

func NewRedisTransport(client *redis.Client, bufferSize int) *RedisTransport {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RedisTransport{client: client, subscribeTimeout: defaultSubscribeTimeout, bufferSize: bufferSize}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ps := t.client.Subscribe(ctx, topic)

	// Wait for the subscription confirmation so that events published right
	// after Subscribe returns are not missed.
	rctx, cancel := context.WithTimeout(ctx, t.subscribeTimeout)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, t.bufferSize)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error { return nil }
