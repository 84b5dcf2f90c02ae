// Package memory is an in-process Store used for single-node deployments and
// tests. Each workflow update runs under one mutex, which gives the same
// atomic single-row semantics the postgres store gets from a transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/store"
)

type Store struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*model.Workflow
	sessions  map[uuid.UUID]*model.Session
	messages  map[uuid.UUID][]model.StreamMessage
	audit     []*model.AuditEvent
}

func NewStore() *Store {
	return &Store{
		workflows: make(map[uuid.UUID]*model.Workflow),
		sessions:  make(map[uuid.UUID]*model.Session),
		messages:  make(map[uuid.UUID][]model.StreamMessage),
	}
}

func (s *Store) CreateWorkflow(_ context.Context, workflow *model.Workflow, audit *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now
	s.workflows[workflow.ID] = workflow.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return workflow.Clone(), nil
}

func (s *Store) UpdateWorkflow(_ context.Context, id uuid.UUID, mutate store.WorkflowMutation) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.workflows[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	next := current.Clone()
	events, err := mutate(next)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.workflows[id] = next
	for _, event := range events {
		s.appendAudit(event)
	}
	return next.Clone(), nil
}

func (s *Store) ListWorkflowsByStatus(_ context.Context, status model.WorkflowStatus) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var workflows []model.Workflow
	for _, workflow := range s.workflows {
		if workflow.Status == status {
			workflows = append(workflows, *workflow.Clone())
		}
	}
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})
	return workflows, nil
}

func (s *Store) CreateSession(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *Store) SaveMessage(_ context.Context, message *model.StreamMessage, audit *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[message.SessionID]; !ok {
		return model.ErrNotFound
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	s.messages[message.SessionID] = append(s.messages[message.SessionID], *message)
	s.appendAudit(audit)
	return nil
}

// ListMessages returns the latest limit messages in chronological order.
func (s *Store) ListMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]model.StreamMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]model.StreamMessage(nil), messages...), nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) appendAudit(event *model.AuditEvent) {
	if event == nil {
		return
	}
	copied := *event
	s.audit = append(s.audit, &copied)
}

// AuditEvents returns a copy of every recorded audit event in write order.
func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.AuditEvent, 0, len(s.audit))
	for _, event := range s.audit {
		events = append(events, *event)
	}
	return events
}

func (s *Store) ListPending(_ context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.AuditEvent
	for _, event := range s.audit {
		if event.Status != model.OutboxStatusPending {
			continue
		}
		events = append(events, *event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) MarkPublished(_ context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	return s.setAuditStatus(eventID, model.OutboxStatusPublished, &publishedAt)
}

func (s *Store) MarkFailed(_ context.Context, eventID uuid.UUID) error {
	return s.setAuditStatus(eventID, model.OutboxStatusFailed, nil)
}

func (s *Store) setAuditStatus(eventID uuid.UUID, status string, publishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.audit {
		if event.EventID == eventID {
			event.Status = status
			event.PublishedAt = publishedAt
			return nil
		}
	}
	return model.ErrNotFound
}

var _ store.Store = (*Store)(nil)
