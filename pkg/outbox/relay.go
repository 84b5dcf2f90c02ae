// Package outbox forwards pending audit records to Kafka. Records that
// cannot be delivered are parked on a dead letter topic and marked failed.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/metrics"
	"github.com/flowforge/gateway/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.AuditEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
}

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	repo         Repository
	writer       Writer
	dlqWriter    Writer
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	wakeups      <-chan struct{}
}

type Message struct {
	EventID   string      `json:"event_id"`
	Actor     string      `json:"actor"`
	EventType string      `json:"event_type"`
	ChannelID string      `json:"channel_id"`
	Payload   model.JSONB `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRelay(repo Repository, writer, dlqWriter Writer, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		repo:         repo,
		writer:       writer,
		dlqWriter:    dlqWriter,
		logger:       logger.Named("outbox"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// WithWakeups makes the relay drain the outbox whenever a value arrives on
// ch, in addition to the regular poll.
func (r *Relay) WithWakeups(ch <-chan struct{}) *Relay {
	r.wakeups = ch
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
		zap.Bool("notify", r.wakeups != nil),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.Drain(ctx)
		case _, ok := <-r.wakeups:
			if !ok {
				r.wakeups = nil
				continue
			}
			r.Drain(ctx)
		}
	}
}

// Drain publishes pending records batch by batch until none are left or a
// batch makes no progress.
func (r *Relay) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		events, err := r.repo.ListPending(ctx, r.batchSize)
		if err != nil {
			r.logger.Warn("failed to list pending outbox events", zap.Error(err))
			return total
		}
		if len(events) == 0 {
			return total
		}

		handled := 0
		for _, event := range events {
			if err := r.publishEvent(ctx, event); err != nil {
				r.logger.Warn("failed to publish outbox event", zap.Error(err), zap.String("event_id", event.EventID.String()))
				continue
			}
			handled++
		}
		total += handled
		if handled == 0 || len(events) < r.batchSize {
			return total
		}
	}
	return total
}

func (r *Relay) publishEvent(ctx context.Context, event model.AuditEvent) error {
	message := Message{
		EventID:   event.EventID.String(),
		Actor:     event.Actor,
		EventType: event.EventType,
		ChannelID: event.ChannelID,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Keyed by channel so one workflow or session keeps its order within a
	// partition.
	kafkaMessage := kafka.Message{
		Key:   []byte(event.ChannelID),
		Value: payload,
		Time:  time.Now(),
	}

	if err := r.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		r.logger.Warn("failed to publish to kafka, sending to DLQ", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return r.publishDLQ(ctx, message, err, event.EventID)
	}

	if err := r.repo.MarkPublished(ctx, event.EventID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", event.EventID.String()))
		metrics.OutboxPublished.WithLabelValues("error").Inc()
		return err
	}

	metrics.OutboxPublished.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, message Message, publishErr error, eventID uuid.UUID) error {
	dlq := DLQMessage{
		Event:    message,
		Error:    publishErr.Error(),
		FailedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(message.EventID),
		Value: payload,
		Time:  time.Now(),
	}

	if err := r.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		metrics.OutboxPublished.WithLabelValues("error").Inc()
		return err
	}

	if err := r.repo.MarkFailed(ctx, eventID); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", eventID.String()))
		metrics.OutboxPublished.WithLabelValues("error").Inc()
		return err
	}

	metrics.OutboxPublished.WithLabelValues("dlq").Inc()
	return nil
}
