package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/pkg/logger"
	"github.com/d60-Lab/qa-realtime/pkg/monitoring"
)

type publishJob struct {
	op    string
	ctx   context.Context
	run   func(context.Context)
	enqAt time.Time
}

// Dispatcher 本地异步发布执行器：写路径只负责入队，队列满时丢弃并告警
type Dispatcher struct {
	ch        chan publishJob
	metricsCh chan time.Duration
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{ch: make(chan publishJob, queueSize), metricsCh: make(chan time.Duration, 4096)}
}

// Start 启动 workers 个执行协程，返回停止函数。停止时先排空已入队任务，最多等到 ctx 结束。
func (d *Dispatcher) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	stopCh := make(chan struct{})
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.loop(stopCh)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			d.stopped.Store(true)
			close(stopCh)
		})
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) loop(stopCh <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.ch:
			d.execute(job)
		case <-stopCh:
			for {
				select {
				case job := <-d.ch:
					d.execute(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(job publishJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish job panicked", zap.String("op", job.op), zap.Any("panic", r))
			monitoring.Recover(job.ctx, r, map[string]string{"op": job.op})
		}
	}()
	job.run(job.ctx)
	select {
	case d.metricsCh <- time.Since(job.enqAt):
	default:
	}
}

// Enqueue schedules run without blocking. The job keeps ctx's values but not
// its cancellation, since the request that produced it is usually gone by then.
func (d *Dispatcher) Enqueue(ctx context.Context, op string, run func(context.Context)) bool {
	if d.stopped.Load() {
		logger.Warn("dispatcher stopped, drop publish job", zap.String("op", op))
		return false
	}
	select {
	case d.ch <- publishJob{op: op, ctx: context.WithoutCancel(ctx), run: run, enqAt: time.Now()}:
		return true
	default:
		logger.Warn("dispatcher queue full, drop publish job", zap.String("op", op))
		return false
	}
}

// Metrics 返回任务从入队到执行完成的耗时（采样，满则丢弃）。
func (d *Dispatcher) Metrics() <-chan time.Duration { return d.metricsCh }

// QueueLen 返回当前队列长度（采样值）。
func (d *Dispatcher) QueueLen() int { return len(d.ch) }
