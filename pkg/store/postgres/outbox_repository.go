package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/gateway/pkg/model"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.AuditEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	updates := map[string]interface{}{
		"status":       model.OutboxStatusPublished,
		"published_at": publishedAt,
	}
	return r.mark(ctx, eventID, updates)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	return r.mark(ctx, eventID, map[string]interface{}{"status": model.OutboxStatusFailed})
}

func (r *OutboxRepository) mark(ctx context.Context, eventID uuid.UUID, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.AuditEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
