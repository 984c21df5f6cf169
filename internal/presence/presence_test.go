package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/qa-realtime/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *clock) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = client.Close() })
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return NewRedisStore(client, ttl, WithClock(c.Now)), c
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t, time.Hour)
	mem := NewMemoryStore(time.Hour)
	t.Cleanup(mem.Close)
	return map[string]Store{"redis": redisStore, "memory": mem}
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := s.Add(ctx, "u1", "tab-a")
			require.NoError(t, err)
			assert.True(t, first)
			first, err = s.Add(ctx, "u1", "tab-b")
			require.NoError(t, err)
			assert.False(t, first)
			_, err = s.Add(ctx, "u2", "tab-c")
			require.NoError(t, err)

			n, err := s.CountActive(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			conns, err := s.Connections(ctx, "u1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"tab-a", "tab-b"}, conns)

			last, err := s.Remove(ctx, "u1", "tab-a")
			require.NoError(t, err)
			assert.False(t, last)
			online, err := s.IsOnline(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, online)

			last, err = s.Remove(ctx, "u1", "tab-b")
			require.NoError(t, err)
			assert.True(t, last)
			online, err = s.IsOnline(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, online)

			n, err = s.CountActive(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			last, err := s.Remove(ctx, "ghost", "nope")
			require.NoError(t, err)
			assert.False(t, last)

			_, err = s.Add(ctx, "u1", "c1")
			require.NoError(t, err)
			last, err = s.Remove(ctx, "u1", "c1")
			require.NoError(t, err)
			assert.True(t, last)
			last, err = s.Remove(ctx, "u1", "c1")
			require.NoError(t, err)
			assert.False(t, last)
		})
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	s, c := newRedisStore(t, time.Minute)
	ctx := context.Background()

	_, err := s.Add(ctx, "u1", "c1")
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	first, err := s.Refresh(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, first)

	c.Advance(45 * time.Second)
	online, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online, "refresh should have extended the entry")

	c.Advance(time.Minute)
	online, err = s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// reconnecting after the entry lapsed counts as coming back online
	first, err = s.Refresh(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMemoryEntriesExpire(t *testing.T) {
	s := NewMemoryStore(50 * time.Millisecond)
	t.Cleanup(s.Close)
	ctx := context.Background()

	_, err := s.Add(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		online, err := s.IsOnline(ctx, "u1")
		return err == nil && !online
	}, time.Second, 10*time.Millisecond)

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type announcements struct {
	mu     sync.Mutex
	events []model.Event
}

func (a *announcements) Publish(_ context.Context, evt model.Event) error {
	a.mu.Lock()
	a.events = append(a.events, evt)
	a.mu.Unlock()
	return nil
}

func (a *announcements) types() []model.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Channel, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

func TestTrackerAnnouncesEdgesOnly(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	t.Cleanup(s.Close)
	ann := &announcements{}
	tr := NewTracker(s, ann)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "u1", "a"))
	require.NoError(t, tr.SetOnline(ctx, "u1", "b"))
	require.NoError(t, tr.Refresh(ctx, "u1", "a"))
	require.NoError(t, tr.SetOffline(ctx, "u1", "a"))
	require.NoError(t, tr.SetOffline(ctx, "u1", "b"))
	require.NoError(t, tr.SetOffline(ctx, "u1", "b"))

	assert.Equal(t, []model.Channel{model.ChannelUserOnline, model.ChannelUserOffline}, ann.types())

	ann.mu.Lock()
	p, ok := ann.events[0].Payload.(model.PresencePayload)
	ann.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "a", p.ConnectionID)
}

func TestTrackerWithoutAnnouncer(t *testing.T) {
	s, _ := newRedisStore(t, time.Hour)
	tr := NewTracker(s, nil)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "u1", "c1"))
	n, err := tr.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, tr.SetOffline(ctx, "u1", "c1"))
}
