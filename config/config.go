package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

// BrokerConfig 事件总线底层传输
type BrokerConfig struct {
	// Provider is redis (multi-process fanout) or memory (single process).
	Provider      string        `mapstructure:"provider" validate:"oneof=redis memory"`
	Prefix        string        `mapstructure:"prefix"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0,lte=100ms"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gt=0"`
}

// RealtimeConfig 实时推送相关参数
type RealtimeConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	PresenceTTL        time.Duration `mapstructure:"presence_ttl" validate:"gt=0"`
	NotificationTTL    time.Duration `mapstructure:"notification_ttl" validate:"gt=0"`
	NotificationMax    int           `mapstructure:"notification_max" validate:"gt=0"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl" validate:"gt=0"`
	RecentQuestionsMax int           `mapstructure:"recent_questions_max" validate:"gt=0"`
	Channels           []string      `mapstructure:"channels" validate:"min=1,dive,oneof=new_question new_answer question_updated user_online user_offline"`
	EventBuffer        int           `mapstructure:"event_buffer" validate:"gt=0"`
	AttachRate         float64       `mapstructure:"attach_rate" validate:"gte=0"`
	AttachBurst        int           `mapstructure:"attach_burst" validate:"gte=0"`
	PublishWorkers     int           `mapstructure:"publish_workers" validate:"gte=0"`
	PublishQueue       int           `mapstructure:"publish_queue" validate:"gte=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
	Issuer    string `mapstructure:"issuer"`
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("broker.provider", "redis")
	v.SetDefault("broker.prefix", "realtime")
	v.SetDefault("broker.probe_timeout", 50*time.Millisecond)
	v.SetDefault("broker.probe_interval", time.Second)
	v.SetDefault("broker.queue_size", 256)

	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.presence_ttl", time.Hour)
	v.SetDefault("realtime.notification_ttl", 24*time.Hour)
	v.SetDefault("realtime.notification_max", 50)
	v.SetDefault("realtime.snapshot_ttl", 10*time.Minute)
	v.SetDefault("realtime.recent_questions_max", 100)
	v.SetDefault("realtime.channels", []string{"new_question", "new_answer", "question_updated"})
	v.SetDefault("realtime.event_buffer", 64)
	v.SetDefault("realtime.attach_rate", 50.0)
	v.SetDefault("realtime.attach_burst", 100)
	v.SetDefault("realtime.publish_workers", 0)
	v.SetDefault("realtime.publish_queue", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "qa-realtime")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "qa-realtime")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Load 读取配置文件与环境变量（APP_ 前缀，如 APP_REDIS_ADDR）
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
