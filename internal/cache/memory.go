package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/d60-Lab/qa-realtime/internal/model"
)

type MemorySnapshots struct {
	counters
	recentMax int
	questions *ttlcache.Cache[string, model.Question]

	mu     sync.Mutex
	recent []string

	stopOnce sync.Once
}

func NewMemorySnapshots(ttl time.Duration, recentMax int) *MemorySnapshots {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if recentMax <= 0 {
		recentMax = DefaultRecentMax
	}
	s := &MemorySnapshots{
		recentMax: recentMax,
		questions: ttlcache.New[string, model.Question](
			ttlcache.WithTTL[string, model.Question](ttl),
			ttlcache.WithDisableTouchOnHit[string, model.Question](),
		),
	}
	go s.questions.Start()
	return s
}

func (s *MemorySnapshots) PutQuestion(_ context.Context, q model.Question) error {
	s.questions.Set(q.ID, q, ttlcache.DefaultTTL)
	return nil
}

func (s *MemorySnapshots) Question(_ context.Context, id string) (model.Question, bool, error) {
	item := s.questions.Get(id)
	s.record(item != nil)
	if item == nil {
		return model.Question{}, false, nil
	}
	return item.Value(), true, nil
}

func (s *MemorySnapshots) PushRecent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]string, 0, s.recentMax)
	next = append(next, id)
	for _, existing := range s.recent {
		if existing != id && len(next) < s.recentMax {
			next = append(next, existing)
		}
	}
	s.recent = next
	return nil
}

func (s *MemorySnapshots) Recent(ctx context.Context, limit int) ([]model.Question, error) {
	if limit <= 0 {
		return []model.Question{}, nil
	}
	s.mu.Lock()
	ids := s.recent
	if limit < len(ids) {
		ids = ids[:limit]
	}
	ids = append([]string(nil), ids...)
	s.mu.Unlock()

	out := make([]model.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok, _ := s.Question(ctx, id); ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *MemorySnapshots) Close() {
	s.stopOnce.Do(s.questions.Stop)
}
