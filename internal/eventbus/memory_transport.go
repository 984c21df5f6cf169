package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// MemoryTransport is a single-process broker backed by watermill's gochannel.
// Publish blocks until every subscriber has taken the message, which keeps
// per-topic order; subscribers ack as soon as the message is buffered.
type MemoryTransport struct {
	pubsub *gochannel.GoChannel
	buffer int
	closed atomic.Bool
}

func NewMemoryTransport(bufferSize int) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(bufferSize),
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	return &MemoryTransport{pubsub: ps, buffer: bufferSize}
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	msgs, err := t.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, t.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			select {
			case out <- msg.Payload:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) Ping(context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.pubsub.Close()
}
