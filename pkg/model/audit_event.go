package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// AuditEvent is the outbox row written alongside every workflow transition
// and every terminal relay outcome.
type AuditEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primary_key"`
	Actor       string    `gorm:"not null"`
	EventType   string    `gorm:"not null"`
	ChannelID   string    `gorm:"not null;index"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending';index"`
	CreatedAt   time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt *time.Time
}

func (AuditEvent) TableName() string {
	return "audit_events"
}

// SystemActor is recorded when the execution loop, not an operator, caused the change.
const SystemActor = "system"

func NewAuditEvent(actor, eventType, channelID string, payload JSONB) *AuditEvent {
	if payload == nil {
		payload = JSONB{}
	}
	return &AuditEvent{
		EventID:   uuid.New(),
		Actor:     actor,
		EventType: eventType,
		ChannelID: channelID,
		Payload:   payload,
		Status:    OutboxStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}
