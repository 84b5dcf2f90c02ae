package model

import (
	"time"

	"github.com/google/uuid"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

type Session struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	OwnerID   string    `gorm:"not null;index" json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StreamMessage struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	SessionID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_messages_session_time" json:"session_id"`
	Sender         Sender         `gorm:"type:varchar(10);not null" json:"sender"`
	Content        string         `gorm:"type:text" json:"content"`
	Metadata       JSONB          `gorm:"type:jsonb" json:"metadata,omitempty"`
	TokensUsed     *int           `json:"tokens_used,omitempty"`
	ProcessingTime *time.Duration `json:"processing_time_ns,omitempty"`
	CreatedAt      time.Time      `gorm:"index:idx_messages_session_time" json:"created_at"`
}

func (StreamMessage) TableName() string {
	return "stream_messages"
}
