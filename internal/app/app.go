package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/config"
	"github.com/d60-Lab/qa-realtime/internal/api"
	"github.com/d60-Lab/qa-realtime/internal/api/handler"
	"github.com/d60-Lab/qa-realtime/internal/cache"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/gateway"
	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/internal/notification"
	"github.com/d60-Lab/qa-realtime/internal/presence"
	"github.com/d60-Lab/qa-realtime/internal/service"
	"github.com/d60-Lab/qa-realtime/pkg/database"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

// App 组合根：按配置装配总线、存储、网关与发布方
type App struct {
	Bus       *eventbus.Bus
	Presence  *presence.Tracker
	Queue     notification.Queue
	Snapshots cache.Snapshots
	Gateway   *gateway.Gateway
	Publisher *service.Publisher
	Status    *service.StatusService
	Router    *gin.Engine

	redis          *redis.Client
	stopDispatcher func(context.Context) error
	closers        []func()
}

// Build wires every component for cfg. With the redis provider an unreachable
// Redis is not fatal: the bus reports the broker down and everything degrades.
func Build(cfg *config.Config) (*App, error) {
	channels, err := parseChannels(cfg.Realtime.Channels)
	if err != nil {
		return nil, err
	}
	a := &App{}

	var (
		transport eventbus.Transport
		store     presence.Store
	)
	switch cfg.Broker.Provider {
	case "memory":
		transport = eventbus.NewMemoryTransport(cfg.Broker.QueueSize)
		ms := presence.NewMemoryStore(cfg.Realtime.PresenceTTL)
		mq := notification.NewMemoryQueue(cfg.Realtime.NotificationMax, cfg.Realtime.NotificationTTL)
		mc := cache.NewMemorySnapshots(cfg.Realtime.SnapshotTTL, cfg.Realtime.RecentQuestionsMax)
		store, a.Queue, a.Snapshots = ms, mq, mc
		a.closers = append(a.closers, ms.Close, mq.Close, mc.Close)
	case "redis":
		client, err := database.InitRedis(cfg)
		if err != nil {
			logger.Warn("redis unreachable at startup, realtime degraded", zap.Error(err))
		}
		a.redis = client
		prefix := cfg.Broker.Prefix
		transport = eventbus.NewRedisTransport(client, cfg.Broker.QueueSize)
		store = presence.NewRedisStore(client, cfg.Realtime.PresenceTTL, presence.WithKeyPrefix(prefix+":presence"))
		a.Queue = notification.NewRedisQueue(client, cfg.Realtime.NotificationMax, cfg.Realtime.NotificationTTL,
			notification.WithKeyPrefix(prefix+":notifications"))
		a.Snapshots = cache.NewRedisSnapshots(client, cfg.Realtime.SnapshotTTL, cfg.Realtime.RecentQuestionsMax)
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}

	a.Bus = eventbus.New(transport,
		eventbus.WithPrefix(cfg.Broker.Prefix),
		eventbus.WithQueueSize(cfg.Broker.QueueSize),
		eventbus.WithProber(eventbus.NewProber(transport.Ping, cfg.Broker.ProbeTimeout, cfg.Broker.ProbeInterval)),
	)
	a.Presence = presence.NewTracker(store, a.Bus)

	a.Gateway = gateway.New(a.Bus, a.Presence, gateway.Options{
		Channels:          channels,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		EventBuffer:       cfg.Realtime.EventBuffer,
	})

	var opts []service.PublisherOption
	if cfg.Realtime.PublishWorkers > 0 {
		d := service.NewDispatcher(cfg.Realtime.PublishQueue)
		a.stopDispatcher = d.Start(cfg.Realtime.PublishWorkers)
		opts = append(opts, service.WithDispatcher(d))
	}
	a.Publisher = service.NewPublisher(a.Bus, a.Queue, a.Snapshots, opts...)
	a.Status = service.NewStatusService(a.Bus, a.Presence, a.Queue)

	h := handler.NewHandler(a.Gateway, a.Status, a.Publisher, a.Bus)
	a.Router = api.NewRouter(cfg, h)
	return a, nil
}

func parseChannels(names []string) ([]model.Channel, error) {
	out := make([]model.Channel, 0, len(names))
	for _, n := range names {
		ch := model.Channel(n)
		if !ch.Valid() {
			return nil, fmt.Errorf("realtime.channels: %w: %q", model.ErrUnknownChannel, n)
		}
		out = append(out, ch)
	}
	return out, nil
}

// Close shuts down in dependency order: live connections first, then queued
// publish jobs, the bus and finally the stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if a.stopDispatcher != nil {
		if err := a.stopDispatcher(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher stop: %w", err))
		}
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus close: %w", err))
	}
	for _, c := range a.closers {
		c()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}
