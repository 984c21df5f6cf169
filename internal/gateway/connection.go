package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

// State of one client attachment.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	FrameConnected = "connected"
	FrameHeartbeat = "heartbeat"
)

// Frame 推送给客户端的一帧 JSON
type Frame struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// Stream is the write half of a client attachment. WriteFrame must flush.
type Stream interface {
	WriteFrame(f Frame) error
}

var (
	ErrWriteFailed   = errors.New("gateway: stream write failed")
	ErrBrokerLost    = errors.New("gateway: broker subscription lost")
	ErrAlreadyServed = errors.New("gateway: connection already served")
)

const teardownTimeout = 2 * time.Second

// Connection 单个客户端连接，Serve 所在的 goroutine 是唯一写流的一方
type Connection struct {
	id       string
	userID   string
	openedAt time.Time
	gw       *Gateway

	state  atomic.Int32
	served atomic.Bool

	events chan model.Event
	quit   chan struct{}
	lost   chan struct{}

	mu   sync.Mutex
	subs []*eventbus.Subscription

	lostOnce  sync.Once
	closeOnce sync.Once
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) UserID() string      { return c.userID }
func (c *Connection) OpenedAt() time.Time { return c.openedAt }
func (c *Connection) State() State        { return State(c.state.Load()) }

// Channels returns the channels this connection is currently subscribed to.
func (c *Connection) Channels() []model.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Channel, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s.Channel())
	}
	return out
}

func (c *Connection) log() *zap.Logger {
	return logger.L().With(zap.String("connection_id", c.id), zap.String("user_id", c.userID))
}

// Serve runs the connection until ctx ends, the connection is closed, a write
// fails or the broker drops one of its subscriptions. It always tears the
// connection down before returning; nil means a normal disconnect.
func (c *Connection) Serve(ctx context.Context, stream Stream) error {
	if !c.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}
	if !c.gw.track() {
		c.Close()
		return ErrShuttingDown
	}
	defer c.gw.untrack()
	defer c.Close()

	if err := c.subscribe(); err != nil {
		return err
	}
	if err := c.gw.presence.SetOnline(ctx, c.userID, c.id); err != nil {
		c.log().Warn("presence set online", zap.Error(err))
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// closed while attaching; Close may have run before SetOnline
		c.setOffline()
		return nil
	}

	if err := stream.WriteFrame(Frame{
		Type:         FrameConnected,
		Message:      "connected",
		Timestamp:    time.Now().UnixMilli(),
		ConnectionID: c.id,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	c.log().Info("connection open", zap.Int("channels", len(c.Channels())))

	ticker := time.NewTicker(c.gw.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.quit:
			return nil
		case <-c.lost:
			return ErrBrokerLost
		case evt := <-c.events:
			if err := stream.WriteFrame(Frame{
				Type:      string(evt.Type),
				Data:      evt.Data,
				Timestamp: evt.Timestamp,
			}); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
		case <-ticker.C:
			if err := stream.WriteFrame(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli()}); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
			if err := c.gw.presence.Refresh(ctx, c.userID, c.id); err != nil {
				c.log().Warn("presence refresh", zap.Error(err))
			}
		}
	}
}

func (c *Connection) subscribe() error {
	for _, ch := range c.gw.opts.Channels {
		sub, err := c.gw.bus.Subscribe(ch, c.deliver)
		if err != nil {
			c.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		c.mu.Lock()
		if c.State() >= StateClosing {
			c.mu.Unlock()
			c.gw.bus.Unsubscribe(sub)
			return nil
		}
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
		go c.watch(sub)
	}
	return nil
}

// watch ends the connection when the bus drops a subscription underneath it,
// so the client reconnects instead of silently missing events.
func (c *Connection) watch(sub *eventbus.Subscription) {
	select {
	case <-sub.Done():
		if c.State() <= StateOpen {
			c.lostOnce.Do(func() { close(c.lost) })
		}
	case <-c.quit:
	}
}

// deliver runs on the bus subscriber goroutine.
func (c *Connection) deliver(_ context.Context, evt model.Event) error {
	if !evt.DeliverableTo(c.userID) {
		return nil
	}
	select {
	case c.events <- evt:
	case <-c.quit:
	default:
		c.log().Warn("connection buffer full, drop event", zap.String("type", string(evt.Type)))
	}
	return nil
}

func (c *Connection) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.gw.bus.Unsubscribe(s)
	}
}

// Close tears the connection down: subscriptions are removed, the presence
// entry is cleared and the gateway forgets the connection. Safe to call more
// than once and from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosing))
		c.mu.Unlock()
		close(c.quit)
		c.unsubscribeAll()
		c.setOffline()
		c.gw.remove(c)
		c.state.Store(int32(StateClosed))
		c.log().Info("connection closed", zap.Duration("lifetime", time.Since(c.openedAt)))
	})
}

func (c *Connection) setOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.gw.presence.SetOffline(ctx, c.userID, c.id); err != nil {
		c.log().Warn("presence set offline", zap.Error(err))
	}
}
