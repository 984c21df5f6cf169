package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

const (
	DefaultMax = 50
	DefaultTTL = 24 * time.Hour

	markReadRetries = 3
)

// Queue 每个用户一份有界通知列表（最新在前）及未读计数
type Queue interface {
	// Add prepends n, trims the list to the configured maximum, bumps the unread
	// counter and refreshes the TTL. Empty ids and timestamps are filled in.
	Add(ctx context.Context, userID string, n model.Notification) error
	// List returns up to limit notifications, most recent first.
	List(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	// MarkAllRead flags every stored notification as read and resets the counter.
	MarkAllRead(ctx context.Context, userID string) error
}

func prepare(n model.Notification) model.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	return n
}

// RedisQueue stores the list at <prefix>:<user> and the counter at
// <prefix>:<user>:unread. Both expire together when untouched for the TTL.
type RedisQueue struct {
	client *redis.Client
	max    int
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisQueue)

func WithKeyPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) { q.prefix = prefix }
}

func NewRedisQueue(client *redis.Client, max int, ttl time.Duration, opts ...RedisOption) *RedisQueue {
	if max <= 0 {
		max = DefaultMax
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	q := &RedisQueue{client: client, max: max, ttl: ttl, prefix: "notifications"}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) listKey(userID string) string   { return fmt.Sprintf("%s:%s", q.prefix, userID) }
func (q *RedisQueue) unreadKey(userID string) string { return fmt.Sprintf("%s:%s:unread", q.prefix, userID) }

func (q *RedisQueue) Add(ctx context.Context, userID string, n model.Notification) error {
	payload, err := json.Marshal(prepare(n))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	listKey, unreadKey := q.listKey(userID), q.unreadKey(userID)
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, 0, int64(q.max-1))
	pipe.Expire(ctx, listKey, q.ttl)
	pipe.Incr(ctx, unreadKey)
	pipe.Expire(ctx, unreadKey, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add notification for %s: %w", userID, err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		return []model.Notification{}, nil
	}
	raws, err := q.client.LRange(ctx, q.listKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	return decodeAll(userID, raws), nil
}

func (q *RedisQueue) UnreadCount(ctx context.Context, userID string) (int64, error) {
	n, err := q.client.Get(ctx, q.unreadKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("unread count for %s: %w", userID, err)
	}
	return n, nil
}

func (q *RedisQueue) MarkAllRead(ctx context.Context, userID string) error {
	listKey, unreadKey := q.listKey(userID), q.unreadKey(userID)

	txf := func(tx *redis.Tx) error {
		raws, err := tx.LRange(ctx, listKey, 0, -1).Result()
		if err != nil {
			return err
		}
		items := decodeAll(userID, raws)
		values := make([]interface{}, 0, len(items))
		for _, n := range items {
			n.Read = true
			b, err := json.Marshal(n)
			if err != nil {
				return err
			}
			values = append(values, b)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, listKey, unreadKey)
			if len(values) > 0 {
				pipe.RPush(ctx, listKey, values...)
				pipe.Expire(ctx, listKey, q.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < markReadRetries; i++ {
		err := q.client.Watch(ctx, txf, listKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("mark read for %s: %w", userID, err)
		}
	}
	return fmt.Errorf("mark read for %s: %w", userID, redis.TxFailedErr)
}

// decodeAll skips entries that no longer parse instead of failing the read.
func decodeAll(userID string, raws []string) []model.Notification {
	out := make([]model.Notification, 0, len(raws))
	for _, raw := range raws {
		var n model.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			logger.Warn("skip malformed notification", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out
}
