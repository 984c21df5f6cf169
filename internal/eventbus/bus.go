package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
	"github.com/d60-Lab/qa-realtime/pkg/monitoring"
)

var (
	ErrBrokerUnavailable = errors.New("eventbus: broker unavailable")
	ErrClosed            = errors.New("eventbus: closed")
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 200 * time.Millisecond
)

// Handler receives one decoded event. Returned errors and panics are logged and
// never affect other subscribers.
type Handler func(ctx context.Context, evt model.Event) error

// Subscription is the handle returned by Subscribe. Unsubscribing a handle
// removes only that registration, other subscribers on the channel keep theirs.
type Subscription struct {
	id      uint64
	channel model.Channel
	handler Handler
	queue   chan model.Event
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) ID() uint64             { return s.id }
func (s *Subscription) Channel() model.Channel { return s.channel }

// Done is closed when the subscription ends, either through Unsubscribe or
// because the bus lost the channel's transport subscription.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

type topicState struct {
	subs   map[uint64]*Subscription
	cancel context.CancelFunc
	// ready is closed once the transport subscription is open or has failed.
	ready chan struct{}
	err   error
}

// Bus 进程内事件总线，由组合根创建并注入到网关与发布方
type Bus struct {
	transport      Transport
	prober         *Prober
	prefix         string
	queueSize      int
	publishTimeout time.Duration

	mu     sync.Mutex
	topics map[model.Channel]*topicState
	closed bool

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Bus)

// WithPrefix namespaces broker topics, e.g. "realtime" -> "realtime:new_answer".
func WithPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = strings.TrimSuffix(prefix, ":") }
}

// WithQueueSize sets the per-subscriber buffer. A subscriber whose buffer is
// full has further events dropped until it catches up.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithProber(p *Prober) Option {
	return func(b *Bus) { b.prober = p }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

func New(transport Transport, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		transport:      transport,
		queueSize:      defaultQueueSize,
		publishTimeout: defaultPublishTimeout,
		topics:         make(map[model.Channel]*topicState),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.prober == nil {
		b.prober = NewProber(transport.Ping, DefaultProbeTimeout, DefaultProbeInterval)
	}
	return b
}

func (b *Bus) topic(channel model.Channel) string {
	if b.prefix == "" {
		return string(channel)
	}
	return b.prefix + ":" + string(channel)
}

// Alive reports whether the broker answered the liveness probe.
func (b *Bus) Alive(ctx context.Context) bool {
	return b.prober.Alive(ctx)
}

// Publish hands evt to the broker. It returns ErrBrokerUnavailable without
// touching the transport when the liveness probe fails; callers log and move on.
func (b *Bus) Publish(ctx context.Context, evt model.Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	if !evt.Type.Valid() {
		return fmt.Errorf("eventbus: %w: %q", model.ErrUnknownChannel, evt.Type)
	}
	if !b.prober.Alive(ctx) {
		return ErrBrokerUnavailable
	}

	raw, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", evt.Type, err)
	}

	pctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.transport.Publish(pctx, b.topic(evt.Type), raw); err != nil {
		b.prober.Invalidate()
		return fmt.Errorf("eventbus: publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe registers handler for every event published on channel from now on.
// The first subscriber of a channel opens the transport subscription.
func (b *Bus) Subscribe(channel model.Channel, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("eventbus: handler must not be nil")
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("eventbus: %w: %q", model.ErrUnknownChannel, channel)
	}
	if !b.prober.Alive(b.ctx) {
		return nil, ErrBrokerUnavailable
	}

	sub := &Subscription{
		id:      b.nextID.Add(1),
		channel: channel,
		handler: handler,
		queue:   make(chan model.Event, b.queueSize),
		done:    make(chan struct{}),
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		state, ok := b.topics[channel]
		if !ok {
			ctx, cancel := context.WithCancel(b.ctx)
			state = &topicState{subs: make(map[uint64]*Subscription), cancel: cancel, ready: make(chan struct{})}
			b.topics[channel] = state
			b.wg.Add(1)
			b.mu.Unlock()
			b.open(ctx, channel, state)
		} else {
			b.mu.Unlock()
		}

		// the transport subscription is opened without holding b.mu
		<-state.ready
		if state.err != nil {
			return nil, state.err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if b.topics[channel] != state {
			// the last subscriber left or the transport dropped meanwhile
			b.mu.Unlock()
			continue
		}
		state.subs[sub.id] = sub
		b.wg.Add(1)
		go b.run(sub)
		b.mu.Unlock()
		return sub, nil
	}
}

// open subscribes the transport for a new topic and starts its consumer.
// Waiters on state.ready see either a running topic or state.err.
func (b *Bus) open(ctx context.Context, channel model.Channel, state *topicState) {
	defer b.wg.Done()
	msgs, err := b.transport.Subscribe(ctx, b.topic(channel))

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(state.ready)

	switch {
	case err != nil:
		state.err = fmt.Errorf("eventbus: subscribe %s: %w", channel, err)
		b.prober.Invalidate()
	case b.closed:
		state.err = ErrClosed
	}
	if state.err != nil {
		state.cancel()
		if b.topics[channel] == state {
			delete(b.topics, channel)
		}
		return
	}

	b.wg.Add(1)
	go b.consume(ctx, channel, state, msgs)
}

// Unsubscribe removes one registration. Unknown, nil or already removed
// handles are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if state, ok := b.topics[sub.channel]; ok {
		if _, ok := state.subs[sub.id]; ok {
			delete(state.subs, sub.id)
			if len(state.subs) == 0 {
				state.cancel()
				delete(b.topics, sub.channel)
			}
		}
	}
	b.mu.Unlock()

	sub.stop()
}

// SubscriberCount returns the number of live registrations on channel.
func (b *Bus) SubscriberCount(channel model.Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.topics[channel]; ok {
		return len(state.subs)
	}
	return 0
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// consume is the single despatch path of a channel, which keeps publish order
// for every subscriber of it.
func (b *Bus) consume(ctx context.Context, channel model.Channel, state *topicState, msgs <-chan []byte) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					logger.Warn("transport subscription ended", zap.String("channel", string(channel)))
					b.dropTopic(channel, state)
				}
				return
			}
			evt, err := model.DecodeEvent(raw)
			if err != nil {
				logger.Error("drop malformed event", zap.String("channel", string(channel)), zap.Error(err))
				continue
			}
			if evt.Type != channel {
				logger.Warn("drop event published on foreign channel",
					zap.String("channel", string(channel)), zap.String("type", string(evt.Type)))
				continue
			}
			b.dispatch(channel, state, evt)
		}
	}
}

func (b *Bus) dispatch(channel model.Channel, state *topicState, evt model.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(state.subs))
	for _, s := range state.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- evt:
		case <-s.done:
		default:
			logger.Warn("subscriber queue full, drop event",
				zap.String("channel", string(channel)), zap.Uint64("subscription", s.id))
		}
	}
}

// dropTopic ends every subscription of a channel whose transport went away so
// that owners notice through Done and can resubscribe.
func (b *Bus) dropTopic(channel model.Channel, state *topicState) {
	b.mu.Lock()
	if cur, ok := b.topics[channel]; ok && cur == state {
		delete(b.topics, channel)
	}
	subs := make([]*Subscription, 0, len(state.subs))
	for _, s := range state.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	state.cancel()
	b.prober.Invalidate()
	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) run(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.queue:
			b.invoke(sub, evt)
		}
	}
}

func (b *Bus) invoke(sub *Subscription, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				zap.String("channel", string(sub.channel)),
				zap.Uint64("subscription", sub.id),
				zap.Any("panic", r))
			monitoring.Recover(b.ctx, r, map[string]string{"channel": string(sub.channel)})
		}
	}()

	if err := sub.handler(b.ctx, evt); err != nil {
		logger.Error("event handler error",
			zap.String("channel", string(sub.channel)),
			zap.Uint64("subscription", sub.id),
			zap.Error(err))
	}
}

// Close ends every subscription, waits for in-flight handlers and closes the
// transport. The bus is unusable afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, state := range b.topics {
		for _, s := range state.subs {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[model.Channel]*topicState)
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
	return b.transport.Close()
}
