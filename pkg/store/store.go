package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowforge/gateway/pkg/model"
)

// WorkflowMutation edits a workflow in place and returns the audit events to
// record with the change. Returning an error aborts the write.
type WorkflowMutation func(wf *model.Workflow) ([]*model.AuditEvent, error)

// Store is the persistence surface the gateway core needs. Implementations
// return model.ErrNotFound for unknown ids and apply UpdateWorkflow as one
// atomic single-row write.
type Store interface {
	CreateWorkflow(ctx context.Context, workflow *model.Workflow, audit *model.AuditEvent) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, id uuid.UUID, mutate WorkflowMutation) (*model.Workflow, error)
	ListWorkflowsByStatus(ctx context.Context, status model.WorkflowStatus) ([]model.Workflow, error)

	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	SaveMessage(ctx context.Context, message *model.StreamMessage, audit *model.AuditEvent) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.StreamMessage, error)

	Close() error
}
