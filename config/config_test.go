package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_PATH", path)
}

func TestLoadDefaults(t *testing.T) {
	writeConfig(t, "auth:\n  jwt_secret: s3cret\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Broker.Provider)
	assert.Equal(t, 50*time.Millisecond, cfg.Broker.ProbeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Realtime.PresenceTTL)
	assert.Equal(t, 24*time.Hour, cfg.Realtime.NotificationTTL)
	assert.Equal(t, 50, cfg.Realtime.NotificationMax)
	assert.Equal(t, []string{"new_question", "new_answer", "question_updated"}, cfg.Realtime.Channels)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadAcceptsProbeTimeoutAtBound(t *testing.T) {
	writeConfig(t, "auth:\n  jwt_secret: x\nbroker:\n  probe_timeout: 100ms\n")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.ProbeTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	writeConfig(t, "auth:\n  jwt_secret: from-file\nredis:\n  addr: file:6379\n")
	t.Setenv("APP_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("APP_AUTH_JWT_SECRET", "from-env")
	t.Setenv("APP_BROKER_PROVIDER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "memory", cfg.Broker.Provider)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "auth:\n  jwt_secret: \"\"\n",
		"unknown provider": "auth:\n  jwt_secret: x\nbroker:\n  provider: kafka\n",
		"slow probe":       "auth:\n  jwt_secret: x\nbroker:\n  probe_timeout: 200ms\n",
		"unknown channel":  "auth:\n  jwt_secret: x\nrealtime:\n  channels: [new_question, gossip]\n",
		"tracing endpoint": "auth:\n  jwt_secret: x\ntracing:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			writeConfig(t, body)
			_, err := Load()
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	writeConfig(t, "server: [unclosed\n")
	_, err := Load()
	assert.ErrorContains(t, err, "read config")
}
