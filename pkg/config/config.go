package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Bridge   BridgeConfig
	Auth     AuthConfig
	Logging  LoggingConfig
	Kafka    KafkaConfig
	Outbox   OutboxRelayConfig
	Stream   StreamConfig
	Upstream UpstreamConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	InstanceID   string        `mapstructure:"instance_id"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory or postgres
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

// BridgeConfig controls mirroring of bus events over Redis pub/sub so that
// several gateway instances can serve viewers of the same channel.
type BridgeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	AuditTopic string   `mapstructure:"audit_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	NotifyChannel string        `mapstructure:"notify_channel"`
}

type StreamConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	CloseGrace           time.Duration `mapstructure:"close_grace"`
	SubscriberBufferSize int           `mapstructure:"subscriber_buffer_size"`
}

type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FallbackMessage string        `mapstructure:"fallback_message"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/flowforge/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLOWFORGE")
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_wait", "30s")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.auto_migrate", false)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.channel_prefix", "ff:gateway:")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "flowforge")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "flowforge-outbox-relay")
	v.SetDefault("kafka.audit_topic", "flowforge.audit.events")
	v.SetDefault("kafka.dlq_topic", "flowforge.audit.events.dlq")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.notify_channel", "audit_events")
	v.SetDefault("stream.heartbeat_interval", "30s")
	v.SetDefault("stream.close_grace", "1s")
	v.SetDefault("stream.subscriber_buffer_size", 256)
	v.SetDefault("upstream.timeout", "2m")
	v.SetDefault("upstream.fallback_message", "The assistant is temporarily unavailable. Please try again in a moment.")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
