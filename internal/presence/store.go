package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

// Store 在线状态存储：userId -> 该用户的连接集合，每个连接独立过期。
// 所有写操作在单个用户粒度上原子执行。
type Store interface {
	// Add registers connID for userID and reports whether the user was absent before.
	Add(ctx context.Context, userID, connID string) (first bool, err error)
	// Remove drops connID and reports whether this call took the user offline.
	Remove(ctx context.Context, userID, connID string) (last bool, err error)
	// Refresh extends connID's expiry, re-adding it if it already expired.
	Refresh(ctx context.Context, userID, connID string) (first bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	Connections(ctx context.Context, userID string) ([]string, error)
	CountActive(ctx context.Context) (int64, error)
}

// addScript: KEYS[1] user connection zset, KEYS[2] active users zset;
// ARGV: connID, now ms, expiry ms, ttl ms, userID. Returns live connections before the add.
var addScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local before = redis.call('ZCARD', KEYS[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return before
`)

// removeScript: same keys; ARGV: connID, now ms, userID.
// Returns 1 when the user left the active set in this call.
var removeScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) > 0 then
	return 0
end
redis.call('DEL', KEYS[1])
return redis.call('ZREM', KEYS[2], ARGV[3])
`)

// RedisStore keeps presence in two sorted sets scored by expiry time:
// presence:conns:<user> (connection ids) and presence:users (user ids).
// Keys carry a TTL as well, so a crashed process leaves nothing behind
// for longer than the TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithClock overrides time.Now, used by tests to step past the TTL.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedisStore(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{client: client, ttl: ttl, prefix: "presence", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) connsKey(userID string) string { return fmt.Sprintf("%s:conns:%s", s.prefix, userID) }
func (s *RedisStore) usersKey() string              { return s.prefix + ":users" }

func (s *RedisStore) Add(ctx context.Context, userID, connID string) (bool, error) {
	now := s.now()
	before, err := addScript.Run(ctx, s.client,
		[]string{s.connsKey(userID), s.usersKey()},
		connID, now.UnixMilli(), now.Add(s.ttl).UnixMilli(), s.ttl.Milliseconds(), userID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence add %s: %w", userID, err)
	}
	return before == 0, nil
}

func (s *RedisStore) Refresh(ctx context.Context, userID, connID string) (bool, error) {
	return s.Add(ctx, userID, connID)
}

func (s *RedisStore) Remove(ctx context.Context, userID, connID string) (bool, error) {
	gone, err := removeScript.Run(ctx, s.client,
		[]string{s.connsKey(userID), s.usersKey()},
		connID, s.now().UnixMilli(), userID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence remove %s: %w", userID, err)
	}
	return gone == 1, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.ZCount(ctx, s.connsKey(userID), s.liveMin(), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Connections(ctx context.Context, userID string) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.connsKey(userID), &redis.ZRangeBy{Min: s.liveMin(), Max: "+inf"}).Result()
}

// CountActive counts users with an unexpired connection and trims expired ones.
func (s *RedisStore) CountActive(ctx context.Context) (int64, error) {
	key := s.usersKey()
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(s.now().UnixMilli(), 10))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (s *RedisStore) liveMin() string {
	return "(" + strconv.FormatInt(s.now().UnixMilli(), 10)
}
