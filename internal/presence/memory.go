package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is the single-process Store used with the memory broker.
// Every connection is a ttlcache entry; the per-user index is pruned lazily
// against the cache so expired connections never count.
type MemoryStore struct {
	mu    sync.Mutex
	conns *ttlcache.Cache[string, string]
	users map[string]map[string]struct{}

	stopOnce sync.Once
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		conns: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		users: make(map[string]map[string]struct{}),
	}
	go s.conns.Start()
	return s
}

func connKey(userID, connID string) string { return userID + "\x00" + connID }

// liveLocked returns the number of unexpired connections of userID.
func (s *MemoryStore) liveLocked(userID string) int {
	set, ok := s.users[userID]
	if !ok {
		return 0
	}
	for connID := range set {
		if s.conns.Get(connKey(userID, connID)) == nil {
			delete(set, connID)
		}
	}
	if len(set) == 0 {
		delete(s.users, userID)
	}
	return len(set)
}

func (s *MemoryStore) Add(_ context.Context, userID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.liveLocked(userID) == 0
	s.conns.Set(connKey(userID, connID), userID, ttlcache.DefaultTTL)
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]struct{})
		s.users[userID] = set
	}
	set[connID] = struct{}{}
	return first, nil
}

func (s *MemoryStore) Refresh(ctx context.Context, userID, connID string) (bool, error) {
	return s.Add(ctx, userID, connID)
}

func (s *MemoryStore) Remove(_ context.Context, userID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	s.conns.Delete(connKey(userID, connID))
	delete(s.users[userID], connID)
	return s.liveLocked(userID) == 0, nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(userID) > 0, nil
}

func (s *MemoryStore) Connections(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.liveLocked(userID)
	ids := make([]string, 0, len(s.users[userID]))
	for connID := range s.users[userID] {
		ids = append(ids, connID)
	}
	return ids, nil
}

func (s *MemoryStore) CountActive(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for userID := range s.users {
		if s.liveLocked(userID) > 0 {
			n++
		}
	}
	return n, nil
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(s.conns.Stop)
}
