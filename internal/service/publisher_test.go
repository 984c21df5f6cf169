package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/qa-realtime/internal/cache"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/notification"
)

type harness struct {
	bus       *eventbus.Bus
	queue     *notification.MemoryQueue
	snapshots *cache.MemorySnapshots
}

func newHarness(t *testing.T, tr eventbus.Transport) *harness {
	t.Helper()
	bus := eventbus.New(tr, eventbus.WithPrefix("test"),
		eventbus.WithProber(eventbus.NewProber(tr.Ping, 50*time.Millisecond, 0)))
	q := notification.NewMemoryQueue(10, time.Hour)
	s := cache.NewMemorySnapshots(time.Minute, 10)
	t.Cleanup(func() {
		_ = bus.Close()
		q.Close()
		s.Close()
	})
	return &harness{bus: bus, queue: q, snapshots: s}
}

type captured struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *captured) handle(_ context.Context, evt model.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *captured) all() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

func (h *harness) capture(t *testing.T, ch model.Channel) *captured {
	t.Helper()
	c := &captured{}
	_, err := h.bus.Subscribe(ch, c.handle)
	require.NoError(t, err)
	return c
}

var (
	question = model.Question{ID: "q1", AuthorID: "student", Title: "Why is my loop slow?", Status: model.QuestionOpen}
	answer   = model.Answer{ID: "a1", QuestionID: "q1", AuthorID: "mentor", AuthorName: "Ada", Content: "profile it"}
)

func TestPublishNewAnswer(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryTransport(16))
	answers := h.capture(t, model.ChannelNewAnswer)
	p := NewPublisher(h.bus, h.queue, h.snapshots)
	ctx := context.Background()

	answered := question
	answered.Answers = 1
	p.PublishNewAnswer(ctx, answer, answered)

	require.Eventually(t, func() bool { return len(answers.all()) == 1 }, time.Second, 10*time.Millisecond)
	evt := answers.all()[0]
	assert.Equal(t, "student", evt.TargetUserID)
	body, ok := evt.Payload.(model.AnswerPayload)
	require.True(t, ok)
	assert.Equal(t, "a1", body.Answer.ID)
	assert.Equal(t, "q1", body.Question.ID)

	items, err := h.queue.List(ctx, "student", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.NotificationNewAnswer, items[0].Type)
	assert.Equal(t, "a1", items[0].AnswerID)
	assert.Contains(t, items[0].Message, "Ada")
	unread, err := h.queue.UnreadCount(ctx, "student")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)

	snap, ok, err := h.snapshots.Question(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Answers)
}

func TestPublishNewQuestionAndUpdate(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryTransport(16))
	created := h.capture(t, model.ChannelNewQuestion)
	updated := h.capture(t, model.ChannelQuestionUpdated)
	p := NewPublisher(h.bus, h.queue, h.snapshots)
	ctx := context.Background()

	p.PublishNewQuestion(ctx, question)
	closed := question
	closed.Status = model.QuestionClosed
	p.PublishQuestionUpdate(ctx, closed)

	require.Eventually(t, func() bool {
		return len(created.all()) == 1 && len(updated.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, created.all()[0].TargetUserID)

	recent, err := h.snapshots.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, model.QuestionClosed, recent[0].Status)
}

func TestPublisherDegradesWhenBrokerDown(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, eventbus.NewRedisTransport(client, 16))
	p := NewPublisher(h.bus, h.queue, h.snapshots)
	ctx := context.Background()

	m.Close()

	start := time.Now()
	p.PublishNewQuestion(ctx, question)
	p.PublishNewAnswer(ctx, answer, question)
	p.PublishQuestionUpdate(ctx, question)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	unread, err := h.queue.UnreadCount(ctx, "student")
	require.NoError(t, err)
	assert.Zero(t, unread, "side effects are skipped while the broker is down")
	_, ok, err := h.snapshots.Question(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublisherAsync(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryTransport(16))
	answers := h.capture(t, model.ChannelNewAnswer)
	d := NewDispatcher(8)
	stop := d.Start(2)
	p := NewPublisher(h.bus, h.queue, h.snapshots, WithDispatcher(d))

	ctx, cancel := context.WithCancel(context.Background())
	p.PublishNewAnswer(ctx, answer, question)
	// the request context ending must not abort queued work
	cancel()

	require.Eventually(t, func() bool { return len(answers.all()) == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := h.queue.UnreadCount(context.Background(), "student")
		return n == 1
	}, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, stop(stopCtx))
	assert.False(t, d.Enqueue(context.Background(), "late", func(context.Context) {}))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1)
	assert.True(t, d.Enqueue(context.Background(), "first", func(context.Context) {}))
	assert.False(t, d.Enqueue(context.Background(), "second", func(context.Context) {}))
	assert.Equal(t, 1, d.QueueLen())

	stop := d.Start(1)
	require.NoError(t, stop(context.Background()))
	assert.Zero(t, d.QueueLen(), "stop drains queued jobs")
}

func TestDispatcherSurvivesPanickingJob(t *testing.T) {
	d := NewDispatcher(4)
	stop := d.Start(1)
	defer func() { _ = stop(context.Background()) }()

	ran := make(chan struct{})
	d.Enqueue(context.Background(), "boom", func(context.Context) { panic("boom") })
	d.Enqueue(context.Background(), "after", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestDispatcherReportsJobLatency(t *testing.T) {
	d := NewDispatcher(4)
	stop := d.Start(1)
	require.True(t, d.Enqueue(context.Background(), "slow", func(context.Context) { time.Sleep(20 * time.Millisecond) }))
	require.NoError(t, stop(context.Background()))

	select {
	case took := <-d.Metrics():
		assert.GreaterOrEqual(t, took, 20*time.Millisecond)
	default:
		t.Fatal("no latency sample recorded")
	}
}
