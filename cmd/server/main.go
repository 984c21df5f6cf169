package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/config"
	"github.com/d60-Lab/qa-realtime/internal/app"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
	"github.com/d60-Lab/qa-realtime/pkg/monitoring"
	"github.com/d60-Lab/qa-realtime/pkg/tracing"
)

// @title QA Realtime API
// @version 1.0
// @description 问答平台实时推送：SSE 事件流、在线状态与通知队列
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if err := monitoring.Init(cfg.Sentry); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer monitoring.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	a, err := app.Build(cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr), zap.String("broker", cfg.Broker.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Gateway.Shutdown(shCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Close(shCtx); err != nil {
		logger.Warn("close components", zap.Error(err))
	}
	if err := shutdownTracing(shCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
