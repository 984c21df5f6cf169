package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/d60-Lab/qa-realtime/config"
)

// Init 初始化 Sentry；DSN 为空时跳过
func Init(cfg config.SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	return nil
}

// Enabled reports whether a Sentry client is bound to the current hub.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Recover reports a recovered panic value. Safe to call when Sentry is disabled.
func Recover(ctx context.Context, r interface{}, tags map[string]string) {
	if !Enabled() {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.RecoverWithContext(ctx, r)
	})
}

// Flush waits for buffered events up to timeout.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}
