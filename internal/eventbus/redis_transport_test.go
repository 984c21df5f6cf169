package eventbus

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/qa-realtime/config"
	"github.com/d60-Lab/qa-realtime/pkg/database"
)

// hungRedis accepts connections and never answers.
func hungRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

func hungClient(t *testing.T) *redis.Client {
	t.Helper()
	client, _ := database.InitRedis(&config.Config{Redis: config.RedisConfig{Addr: hungRedis(t), PoolSize: 4}})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestProbeOfHungRedisReturnsWithinTimeout(t *testing.T) {
	tr := NewRedisTransport(hungClient(t), 16)
	p := NewProber(tr.Ping, 50*time.Millisecond, 0)

	start := time.Now()
	assert.False(t, p.Alive(context.Background()))
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestPublishToHungRedisIsBounded(t *testing.T) {
	tr := NewRedisTransport(hungClient(t), 16)
	// the probe still reports alive from before the broker hung
	b := New(tr, WithProber(NewProber(func(context.Context) error { return nil }, 50*time.Millisecond, time.Hour)),
		WithPublishTimeout(100*time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })

	start := time.Now()
	err := b.Publish(context.Background(), questionEvent(t, "q1"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
