package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/notification"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	DefaultStatusLimit = 10
	MaxStatusLimit     = 50
)

// ActiveCounter is implemented by *presence.Tracker.
type ActiveCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// Status 客户端断线重连后用来对账的快照
type Status struct {
	Status        string               `json:"status"`
	ActiveUsers   int64                `json:"activeUsers"`
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int64                `json:"unreadCount"`
	Timestamp     int64                `json:"timestamp"`
}

type StatusService struct {
	bus      Broker
	presence ActiveCounter
	queue    notification.Queue
}

func NewStatusService(bus Broker, presence ActiveCounter, queue notification.Queue) *StatusService {
	return &StatusService{bus: bus, presence: presence, queue: queue}
}

// Status never fails: store errors are logged and reported as a degraded
// status with whatever could be read.
func (s *StatusService) Status(ctx context.Context, userID string, limit int) Status {
	if limit <= 0 {
		limit = DefaultStatusLimit
	}
	if limit > MaxStatusLimit {
		limit = MaxStatusLimit
	}

	st := Status{
		Status:        StatusOK,
		Notifications: []model.Notification{},
		Timestamp:     time.Now().UnixMilli(),
	}
	if !s.bus.Alive(ctx) {
		st.Status = StatusDegraded
	}

	if n, err := s.presence.CountActive(ctx); err != nil {
		logger.Warn("count active users", zap.Error(err))
		st.Status = StatusDegraded
	} else {
		st.ActiveUsers = n
	}

	if items, err := s.queue.List(ctx, userID, limit); err != nil {
		logger.Warn("list notifications", zap.String("user_id", userID), zap.Error(err))
		st.Status = StatusDegraded
	} else {
		st.Notifications = items
	}

	if n, err := s.queue.UnreadCount(ctx, userID); err != nil {
		logger.Warn("unread count", zap.String("user_id", userID), zap.Error(err))
		st.Status = StatusDegraded
	} else {
		st.UnreadCount = n
	}
	return st
}

func (s *StatusService) MarkAllRead(ctx context.Context, userID string) error {
	return s.queue.MarkAllRead(ctx, userID)
}
