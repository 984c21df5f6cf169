package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/qa-realtime/config"
	"github.com/d60-Lab/qa-realtime/internal/cache"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/notification"
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

func TestPublisherBoundedByOpTimeoutOnHungRedis(t *testing.T) {
	client, err := database.InitRedis(&config.Config{Redis: config.RedisConfig{Addr: hungRedis(t), PoolSize: 4}})
	require.Error(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// the probe result is still cached as alive from before the broker hung
	bus := eventbus.New(eventbus.NewRedisTransport(client, 16),
		eventbus.WithProber(eventbus.NewProber(func(context.Context) error { return nil }, 50*time.Millisecond, time.Hour)))
	t.Cleanup(func() { _ = bus.Close() })
	p := NewPublisher(bus, notification.NewRedisQueue(client, 10, time.Hour),
		cache.NewRedisSnapshots(client, time.Minute, 10), WithOpTimeout(100*time.Millisecond))

	ctx := context.Background()
	start := time.Now()
	p.PublishNewQuestion(ctx, question)
	p.PublishNewAnswer(ctx, answer, question)
	p.PublishQuestionUpdate(ctx, question)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatusBoundedOnHungRedis(t *testing.T) {
	client, err := database.InitRedis(&config.Config{Redis: config.RedisConfig{Addr: hungRedis(t), PoolSize: 4}})
	require.Error(t, err)
	t.Cleanup(func() { _ = client.Close() })

	tr := eventbus.NewRedisTransport(client, 16)
	bus := eventbus.New(tr, eventbus.WithProber(eventbus.NewProber(tr.Ping, 50*time.Millisecond, 0)))
	t.Cleanup(func() { _ = bus.Close() })
	svc := NewStatusService(bus, failingCounter{}, notification.NewRedisQueue(client, 10, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	st := svc.Status(ctx, "u1", 5)
	assert.Equal(t, StatusDegraded, st.Status)
	assert.Less(t, time.Since(start), time.Second)
}
