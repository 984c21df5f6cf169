package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/qa-realtime/internal/cache"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/gateway"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/notification"
	"github.com/d60-Lab/qa-realtime/internal/presence"
	"github.com/d60-Lab/qa-realtime/internal/service"
)

// recorder 记录每帧到达时间，对应问题发布时间由 sent 提供
type recorder struct {
	mu    *sync.Mutex
	sent  map[string]time.Time
	lat   *[]time.Duration
	count *sync.WaitGroup
}

func (r recorder) WriteFrame(f gateway.Frame) error {
	if f.Type != string(model.ChannelNewQuestion) {
		return nil
	}
	var q model.Question
	if err := json.Unmarshal(f.Data, &q); err != nil {
		return nil
	}
	r.mu.Lock()
	*r.lat = append(*r.lat, time.Since(r.sent[q.ID]))
	r.mu.Unlock()
	r.count.Done()
	return nil
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	CONNS := envInt("CONNS", 500)
	PUBLISH := envInt("PUBLISH", 50)
	WORKERS := envInt("WORKERS", 4)

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		m, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		defer m.Close()
		addr = m.Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 50, ContextTimeoutEnabled: true})
	defer client.Close()

	transport := eventbus.NewRedisTransport(client, 1024)
	bus := eventbus.New(transport, eventbus.WithPrefix("bench"), eventbus.WithQueueSize(4096),
		eventbus.WithProber(eventbus.NewProber(transport.Ping, 50*time.Millisecond, time.Second)))
	defer bus.Close()
	tracker := presence.NewTracker(presence.NewRedisStore(client, time.Hour, presence.WithKeyPrefix("bench:presence")), bus)
	queue := notification.NewRedisQueue(client, 50, time.Hour, notification.WithKeyPrefix("bench:notifications"))
	snapshots := cache.NewRedisSnapshots(client, time.Minute, 100)
	gw := gateway.New(bus, tracker, gateway.Options{HeartbeatInterval: time.Hour, EventBuffer: PUBLISH + 8})
	dispatcher := service.NewDispatcher(PUBLISH)
	stopDispatcher := dispatcher.Start(WORKERS)
	publisher := service.NewPublisher(bus, queue, snapshots, service.WithDispatcher(dispatcher))

	var (
		mu   sync.Mutex
		sent = make(map[string]time.Time, PUBLISH)
		lat  = make([]time.Duration, 0, CONNS*PUBLISH)
		got  sync.WaitGroup
	)
	got.Add(CONNS * PUBLISH)

	ctx, cancel := context.WithCancel(context.Background())
	attachStart := time.Now()
	for i := 0; i < CONNS; i++ {
		conn, err := gw.Connect(ctx, fmt.Sprintf("user-%d", i))
		if err != nil {
			panic(err)
		}
		go func() {
			_ = conn.Serve(ctx, recorder{mu: &mu, sent: sent, lat: &lat, count: &got})
		}()
	}
	// 等待所有连接进入 OPEN
	for gw.Count() < CONNS {
		time.Sleep(5 * time.Millisecond)
	}
	for bus.SubscriberCount(model.ChannelNewQuestion) < CONNS {
		time.Sleep(5 * time.Millisecond)
	}
	attach := time.Since(attachStart)

	pubStart := time.Now()
	for i := 0; i < PUBLISH; i++ {
		id := fmt.Sprintf("q%d", i)
		mu.Lock()
		sent[id] = time.Now()
		mu.Unlock()
		publisher.PublishNewQuestion(ctx, model.Question{ID: id, AuthorID: "author", Title: "bench", Status: model.QuestionOpen})
	}

	done := make(chan struct{})
	go func() { got.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Println("timeout waiting for deliveries")
	}
	total := time.Since(pubStart)
	_ = stopDispatcher(context.Background())

	jobs := make([]time.Duration, 0, PUBLISH)
	for len(dispatcher.Metrics()) > 0 {
		jobs = append(jobs, <-dispatcher.Metrics())
	}

	for i := 0; i < PUBLISH; i++ {
		_, _, _ = snapshots.Question(ctx, fmt.Sprintf("q%d", i))
	}
	_, _, _ = snapshots.Question(ctx, "missing")

	cancel()
	_ = gw.Shutdown(context.Background())

	pct := func(vs []time.Duration, p float64) time.Duration {
		if len(vs) == 0 {
			return 0
		}
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(float64(len(xs)) * p)
		if k < 0 {
			k = 0
		}
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}

	mu.Lock()
	defer mu.Unlock()
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	avg := time.Duration(0)
	if len(lat) > 0 {
		avg = sum / time.Duration(len(lat))
	}
	stats := snapshots.Stats()
	fmt.Printf("CONNS=%d PUBLISH=%d WORKERS=%d REDIS=%s\n", CONNS, PUBLISH, WORKERS, addr)
	fmt.Printf("Attach: %v for %d connections\n", attach, CONNS)
	fmt.Printf("Delivered %d/%d frames in %v\n", len(lat), CONNS*PUBLISH, total)
	fmt.Printf("Delivery latency: avg=%v p95=%v p99=%v\n", avg, pct(lat, 0.95), pct(lat, 0.99))
	fmt.Printf("Publish job enqueue->done: n=%d p50=%v p95=%v p99=%v\n", len(jobs), pct(jobs, 0.5), pct(jobs, 0.95), pct(jobs, 0.99))
	fmt.Printf("Snapshot cache: hits=%d misses=%d\n", stats.Hits, stats.Misses)
}
