package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

const (
	DefaultProbeTimeout  = 50 * time.Millisecond
	DefaultProbeInterval = time.Second
)

// Prober answers "is the broker reachable" without ever blocking a caller for
// longer than timeout. Results are cached for interval and concurrent probes
// are coalesced into one PING.
type Prober struct {
	ping     func(context.Context) error
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	checked   bool
	alive     bool
	checkedAt time.Time
}

func NewProber(ping func(context.Context) error, timeout, interval time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if interval < 0 {
		interval = 0
	}
	return &Prober{ping: ping, timeout: timeout, interval: interval, now: time.Now}
}

// Alive reports the cached liveness, probing the broker when the cache is stale.
func (p *Prober) Alive(ctx context.Context) bool {
	p.mu.Lock()
	if p.checked && p.now().Sub(p.checkedAt) < p.interval {
		alive := p.alive
		p.mu.Unlock()
		return alive
	}
	p.mu.Unlock()

	ch := p.group.DoChan("probe", func() (interface{}, error) {
		return p.probe(), nil
	})
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-timer.C:
		// ping overran its deadline; report down without waiting for it
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Prober) probe() bool {
	// Not derived from the caller's context: a cancelled request must not
	// mark the broker down for everyone sharing this probe.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := p.ping(ctx)
	alive := err == nil

	p.mu.Lock()
	wasAlive := !p.checked || p.alive
	p.checked = true
	p.alive = alive
	p.checkedAt = p.now()
	p.mu.Unlock()

	switch {
	case wasAlive && !alive:
		logger.Warn("broker unreachable, real-time delivery suspended", zap.Error(err))
	case !wasAlive && alive:
		logger.Info("broker reachable again, real-time delivery resumed")
	}
	return alive
}

// Invalidate forces the next Alive call to probe. Called after a transport error.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.checkedAt = time.Time{}
	p.mu.Unlock()
}
