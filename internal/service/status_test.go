package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/presence"
)

type failingCounter struct{}

func (failingCounter) CountActive(context.Context) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestStatus(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryTransport(16))
	store := presence.NewMemoryStore(time.Hour)
	t.Cleanup(store.Close)
	tracker := presence.NewTracker(store, nil)
	svc := NewStatusService(h.bus, tracker, h.queue)
	ctx := context.Background()

	require.NoError(t, tracker.SetOnline(ctx, "u1", "c1"))
	require.NoError(t, tracker.SetOnline(ctx, "u2", "c2"))
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, h.queue.Add(ctx, "u1", model.Notification{ID: id}))
	}

	st := svc.Status(ctx, "u1", 2)
	assert.Equal(t, StatusOK, st.Status)
	assert.EqualValues(t, 2, st.ActiveUsers)
	assert.EqualValues(t, 3, st.UnreadCount)
	require.Len(t, st.Notifications, 2)
	assert.Equal(t, "n3", st.Notifications[0].ID)
	assert.NotZero(t, st.Timestamp)

	require.NoError(t, svc.MarkAllRead(ctx, "u1"))
	st = svc.Status(ctx, "u1", 0)
	assert.Zero(t, st.UnreadCount)
	assert.Len(t, st.Notifications, 3)
}

func TestStatusDegraded(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryTransport(16))
	svc := NewStatusService(h.bus, failingCounter{}, h.queue)

	st := svc.Status(context.Background(), "nobody", 5)
	assert.Equal(t, StatusDegraded, st.Status)
	assert.Zero(t, st.ActiveUsers)
	assert.NotNil(t, st.Notifications)
}
