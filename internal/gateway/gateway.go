package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

var ErrShuttingDown = errors.New("gateway: shutting down")

// Bus is the part of *eventbus.Bus the gateway needs.
type Bus interface {
	Alive(ctx context.Context) bool
	Subscribe(channel model.Channel, handler eventbus.Handler) (*eventbus.Subscription, error)
	Unsubscribe(sub *eventbus.Subscription)
}

// Presence is implemented by *presence.Tracker.
type Presence interface {
	SetOnline(ctx context.Context, userID, connID string) error
	SetOffline(ctx context.Context, userID, connID string) error
	Refresh(ctx context.Context, userID, connID string) error
}

type Options struct {
	Channels          []model.Channel
	HeartbeatInterval time.Duration
	// EventBuffer bounds events queued for one connection's writer.
	EventBuffer int
}

// DefaultChannels are the channels every connection subscribes to.
var DefaultChannels = []model.Channel{
	model.ChannelNewQuestion,
	model.ChannelNewAnswer,
	model.ChannelQuestionUpdated,
}

func (o Options) withDefaults() Options {
	if len(o.Channels) == 0 {
		o.Channels = DefaultChannels
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Gateway 持有进程内所有存活连接，由组合根创建
type Gateway struct {
	bus      Bus
	presence Presence
	opts     Options

	mu       sync.Mutex
	conns    map[string]*Connection
	shutdown bool
	wg       sync.WaitGroup
}

func New(bus Bus, presence Presence, opts Options) *Gateway {
	return &Gateway{
		bus:      bus,
		presence: presence,
		opts:     opts.withDefaults(),
		conns:    make(map[string]*Connection),
	}
}

// Connect registers a new connection for an authenticated user. It fails with
// eventbus.ErrBrokerUnavailable before anything is opened if the broker is
// down, so the caller can answer with a plain error instead of a stream.
func (g *Gateway) Connect(ctx context.Context, userID string) (*Connection, error) {
	if userID == "" {
		return nil, errors.New("gateway: user id required")
	}
	if !g.bus.Alive(ctx) {
		return nil, eventbus.ErrBrokerUnavailable
	}

	c := &Connection{
		id:       uuid.NewString(),
		userID:   userID,
		openedAt: time.Now(),
		gw:       g,
		events:   make(chan model.Event, g.opts.EventBuffer),
		quit:     make(chan struct{}),
		lost:     make(chan struct{}),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return nil, ErrShuttingDown
	}
	g.conns[c.id] = c
	return c, nil
}

// Count returns the number of live connections.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Lookup returns a live connection by id.
func (g *Gateway) Lookup(id string) (*Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[id]
	return c, ok
}

// Shutdown refuses new connections, closes every live one and waits for their
// Serve loops to return or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	logger.Info("gateway shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack() { g.wg.Done() }

func (g *Gateway) remove(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}
