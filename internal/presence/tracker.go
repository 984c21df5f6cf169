package presence

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

// Announcer publishes presence transitions; *eventbus.Bus satisfies it.
type Announcer interface {
	Publish(ctx context.Context, evt model.Event) error
}

// Tracker 封装在线状态存储，并在用户上线/下线的边沿发布事件。
// 同一用户的多个连接只在第一个连接到达、最后一个连接离开时各发布一次。
type Tracker struct {
	store     Store
	announcer Announcer
}

// NewTracker builds a Tracker. A nil announcer disables presence events.
func NewTracker(store Store, announcer Announcer) *Tracker {
	return &Tracker{store: store, announcer: announcer}
}

func (t *Tracker) SetOnline(ctx context.Context, userID, connID string) error {
	first, err := t.store.Add(ctx, userID, connID)
	if err != nil {
		return err
	}
	if first {
		t.announce(ctx, model.ChannelUserOnline, userID, connID)
	}
	return nil
}

// SetOffline is safe to call for connections that were never registered or
// already removed.
func (t *Tracker) SetOffline(ctx context.Context, userID, connID string) error {
	last, err := t.store.Remove(ctx, userID, connID)
	if err != nil {
		return err
	}
	if last {
		t.announce(ctx, model.ChannelUserOffline, userID, connID)
	}
	return nil
}

// Refresh extends the connection's TTL. A user whose entry had already expired
// is announced online again.
func (t *Tracker) Refresh(ctx context.Context, userID, connID string) error {
	first, err := t.store.Refresh(ctx, userID, connID)
	if err != nil {
		return err
	}
	if first {
		t.announce(ctx, model.ChannelUserOnline, userID, connID)
	}
	return nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return t.store.IsOnline(ctx, userID)
}

func (t *Tracker) CountActive(ctx context.Context) (int64, error) {
	return t.store.CountActive(ctx)
}

func (t *Tracker) announce(ctx context.Context, channel model.Channel, userID, connID string) {
	if t.announcer == nil {
		return
	}
	evt, err := model.NewEvent(channel, model.PresencePayload{UserID: userID, ConnectionID: connID}, "")
	if err != nil {
		logger.Error("build presence event", zap.Error(err))
		return
	}
	if err := t.announcer.Publish(ctx, evt); err != nil {
		if errors.Is(err, eventbus.ErrBrokerUnavailable) {
			logger.Debug("skip presence event, broker down", zap.String("channel", string(channel)))
			return
		}
		logger.Warn("publish presence event",
			zap.String("channel", string(channel)), zap.String("user_id", userID), zap.Error(err))
	}
}
