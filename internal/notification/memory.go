package notification

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/d60-Lab/qa-realtime/internal/model"
)

type userQueue struct {
	items  []model.Notification
	unread int64
}

// MemoryQueue keeps one ttlcache entry per user. Reads do not extend the
// entry, only Add and MarkAllRead do.
type MemoryQueue struct {
	mu    sync.Mutex
	max   int
	cache *ttlcache.Cache[string, *userQueue]

	stopOnce sync.Once
}

func NewMemoryQueue(max int, ttl time.Duration) *MemoryQueue {
	if max <= 0 {
		max = DefaultMax
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	q := &MemoryQueue{
		max: max,
		cache: ttlcache.New[string, *userQueue](
			ttlcache.WithTTL[string, *userQueue](ttl),
			ttlcache.WithDisableTouchOnHit[string, *userQueue](),
		),
	}
	go q.cache.Start()
	return q
}

func (q *MemoryQueue) load(userID string) *userQueue {
	if item := q.cache.Get(userID); item != nil {
		return item.Value()
	}
	return nil
}

func (q *MemoryQueue) Add(_ context.Context, userID string, n model.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	uq := q.load(userID)
	if uq == nil {
		uq = &userQueue{}
	}
	items := make([]model.Notification, 0, q.max)
	items = append(items, prepare(n))
	items = append(items, uq.items...)
	if len(items) > q.max {
		items = items[:q.max]
	}
	uq.items = items
	uq.unread++
	q.cache.Set(userID, uq, ttlcache.DefaultTTL)
	return nil
}

func (q *MemoryQueue) List(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []model.Notification{}
	uq := q.load(userID)
	if uq == nil || limit <= 0 {
		return out, nil
	}
	if limit > len(uq.items) {
		limit = len(uq.items)
	}
	return append(out, uq.items[:limit]...), nil
}

func (q *MemoryQueue) UnreadCount(_ context.Context, userID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uq := q.load(userID); uq != nil {
		return uq.unread, nil
	}
	return 0, nil
}

func (q *MemoryQueue) MarkAllRead(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	uq := q.load(userID)
	if uq == nil {
		return nil
	}
	for i := range uq.items {
		uq.items[i].Read = true
	}
	uq.unread = 0
	q.cache.Set(userID, uq, ttlcache.DefaultTTL)
	return nil
}

// Close stops the expiry loop.
func (q *MemoryQueue) Close() {
	q.stopOnce.Do(q.cache.Stop)
}
