package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.Stream.CloseGrace)
	assert.Equal(t, 256, cfg.Stream.SubscriberBufferSize)
	assert.Equal(t, "flowforge.audit.events", cfg.Kafka.AuditTopic)
	assert.NotEmpty(t, cfg.Upstream.FallbackMessage)
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "ff", Password: "secret", Database: "gateway", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=ff password=secret dbname=gateway sslmode=disable", cfg.DSN())
}
