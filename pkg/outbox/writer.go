package outbox

import (
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flowforge/gateway/pkg/config"
)

// NewKafkaWriter returns a synchronous writer that hashes message keys, so
// records of one channel land on one partition.
func NewKafkaWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    false,
		Dialer: &kafka.Dialer{
			ClientID: cfg.ClientID,
			Timeout:  10 * time.Second,
		},
	})
}
