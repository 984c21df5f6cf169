package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex
	// base reports the real caller when used directly; helpers skips the
	// extra frame of the package-level functions below.
	base    = zap.NewNop()
	helpers = zap.NewNop()
)

// Init 初始化全局 zap logger，format 为 json 或 console
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the global logger. Tests use it with zaptest/observer.
func Set(l *zap.Logger) {
	mu.Lock()
	base = l
	helpers = l.WithOptions(zap.AddCallerSkip(1))
	mu.Unlock()
}

// L returns the global logger for direct use, e.g. L().With(...).
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func h() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return helpers
}

func Debug(msg string, fields ...zap.Field) { h().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { h().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { h().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { h().Error(msg, fields...) }

// Sync flushes buffered entries, ignoring the error stdout returns on some platforms.
func Sync() { _ = L().Sync() }
