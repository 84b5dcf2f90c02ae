package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/flowforge/gateway/pkg/config"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/store"
)

// Store persists workflows, sessions and messages in Postgres. Every write
// that carries an audit event inserts the outbox row in the same transaction
// and notifies notifyChannel so the outbox relay can wake up early.
type Store struct {
	db            *gorm.DB
	notifyChannel string
}

func NewStore(cfg *config.DatabaseConfig, notifyChannel string) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db, notifyChannel: notifyChannel}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Workflow{},
		&model.Session{},
		&model.StreamMessage{},
		&model.AuditEvent{},
	)
}

func (s *Store) CreateWorkflow(ctx context.Context, workflow *model.Workflow, audit *model.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(workflow).Error; err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return s.recordAudit(tx, audit)
	})
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	var workflow model.Workflow
	err := s.db.WithContext(ctx).First(&workflow, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &workflow, nil
}

// UpdateWorkflow locks the row, applies mutate and writes the row together
// with the returned audit events.
func (s *Store) UpdateWorkflow(ctx context.Context, id uuid.UUID, mutate store.WorkflowMutation) (*model.Workflow, error) {
	var updated model.Workflow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Workflow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", id).Error; err != nil {
			return translate(err)
		}

		events, err := mutate(&current)
		if err != nil {
			return err
		}
		current.UpdatedAt = time.Now().UTC()

		if err := tx.Save(&current).Error; err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		for _, event := range events {
			if err := s.recordAudit(tx, event); err != nil {
				return err
			}
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListWorkflowsByStatus(ctx context.Context, status model.WorkflowStatus) ([]model.Workflow, error) {
	var workflows []model.Workflow
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&workflows).Error
	return workflows, err
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *Store) SaveMessage(ctx context.Context, message *model.StreamMessage, audit *model.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Session{}).Where("id = ?", message.SessionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return model.ErrNotFound
		}
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		if err := tx.Model(&model.Session{}).Where("id = ?", message.SessionID).Update("updated_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		return s.recordAudit(tx, audit)
	})
}

func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.StreamMessage, error) {
	var messages []model.StreamMessage
	query := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) recordAudit(tx *gorm.DB, event *model.AuditEvent) error {
	if event == nil {
		return nil
	}
	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	if s.notifyChannel == "" {
		return nil
	}
	return tx.Exec("SELECT pg_notify(?, ?)", s.notifyChannel, event.EventID.String()).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

var _ store.Store = (*Store)(nil)
