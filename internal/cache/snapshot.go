package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/qa-realtime/internal/model"
)

const (
	DefaultSnapshotTTL = 10 * time.Minute
	DefaultRecentMax   = 100
)

// Snapshots 问题快照缓存：发布后短期内避免重复查库，不是权威数据。
// 未命中由调用方回源到数据库。
type Snapshots interface {
	PutQuestion(ctx context.Context, q model.Question) error
	// Question reports ok=false on a miss.
	Question(ctx context.Context, id string) (q model.Question, ok bool, err error)
	// PushRecent records id at the head of the bounded recent-questions list.
	PushRecent(ctx context.Context, id string) error
	// Recent returns up to limit cached snapshots of recent questions, newest
	// first. Questions whose snapshot already expired are skipped.
	Recent(ctx context.Context, limit int) ([]model.Question, error)
	Stats() Stats
}

// Stats counts snapshot lookups.
type Stats struct {
	Hits   int64
	Misses int64
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// RedisSnapshots keeps question:<id> string keys and a questions:recent list.
type RedisSnapshots struct {
	counters
	client    *redis.Client
	ttl       time.Duration
	recentMax int
	prefix    string
}

func NewRedisSnapshots(client *redis.Client, ttl time.Duration, recentMax int) *RedisSnapshots {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if recentMax <= 0 {
		recentMax = DefaultRecentMax
	}
	return &RedisSnapshots{client: client, ttl: ttl, recentMax: recentMax, prefix: "question"}
}

func (s *RedisSnapshots) questionKey(id string) string { return fmt.Sprintf("%s:%s", s.prefix, id) }
func (s *RedisSnapshots) recentKey() string            { return "questions:recent" }

func (s *RedisSnapshots) PutQuestion(ctx context.Context, q model.Question) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode question %s: %w", q.ID, err)
	}
	return s.client.Set(ctx, s.questionKey(q.ID), payload, s.ttl).Err()
}

func (s *RedisSnapshots) Question(ctx context.Context, id string) (model.Question, bool, error) {
	data, err := s.client.Get(ctx, s.questionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.record(false)
		return model.Question{}, false, nil
	}
	if err != nil {
		return model.Question{}, false, err
	}
	var q model.Question
	if err := json.Unmarshal(data, &q); err != nil {
		// a corrupt entry behaves like a miss
		s.record(false)
		return model.Question{}, false, nil
	}
	s.record(true)
	return q, true, nil
}

func (s *RedisSnapshots) PushRecent(ctx context.Context, id string) error {
	key := s.recentKey()
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, key, 0, id)
	pipe.LPush(ctx, key, id)
	pipe.LTrim(ctx, key, 0, int64(s.recentMax-1))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSnapshots) Recent(ctx context.Context, limit int) ([]model.Question, error) {
	if limit <= 0 {
		return []model.Question{}, nil
	}
	ids, err := s.client.LRange(ctx, s.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Question{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.questionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.Question, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.record(false)
			continue
		}
		var q model.Question
		if err := json.Unmarshal([]byte(str), &q); err != nil {
			s.record(false)
			continue
		}
		s.record(true)
		out = append(out, q)
	}
	return out, nil
}
