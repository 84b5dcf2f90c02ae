package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/model"
)

// WorkflowReader is satisfied by the workflow controller.
type WorkflowReader interface {
	Get(ctx context.Context, id uuid.UUID, callerID string) (*model.Workflow, error)
}

// MessageReader is satisfied by every store.
type MessageReader interface {
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.StreamMessage, error)
}

type workflowSource struct {
	reader   WorkflowReader
	id       uuid.UUID
	callerID string
}

// WorkflowSource snapshots a workflow and ends with its terminal status.
func WorkflowSource(reader WorkflowReader, id uuid.UUID, callerID string) Source {
	return &workflowSource{reader: reader, id: id, callerID: callerID}
}

func (s *workflowSource) Snapshot(ctx context.Context) (any, *Frame, error) {
	wf, err := s.reader.Get(ctx, s.id, s.callerID)
	if err != nil {
		return nil, nil, err
	}
	if wf.Status.IsTerminal() {
		return wf, workflowFinal(wf.ID.String(), wf.Status, wf.ErrorMessage), nil
	}
	return wf, nil, nil
}

func (s *workflowSource) Terminal(ev eventbus.Event) (*Frame, bool) {
	switch p := ev.Payload.(type) {
	case eventbus.StatusChanged:
		if p.Status.IsTerminal() {
			return workflowFinal(p.WorkflowID, p.Status, ""), true
		}
	case eventbus.WorkflowFailed:
		return workflowFinal(p.WorkflowID, model.WorkflowFailed, p.Error), true
	}
	return nil, false
}

func workflowFinal(workflowID string, status model.WorkflowStatus, errorMessage string) *Frame {
	data := map[string]string{"workflow_id": workflowID, "status": string(status)}
	if status == model.WorkflowCompleted {
		return &Frame{Event: "complete", Data: data}
	}
	if errorMessage != "" {
		data["error"] = errorMessage
	}
	return &Frame{Event: "error", Data: data}
}

type sessionSource struct {
	reader    MessageReader
	sessionID uuid.UUID
	limit     int
}

// SessionSource snapshots the latest messages of a session. A session never
// ends, so the connection lives until the client leaves.
func SessionSource(reader MessageReader, sessionID uuid.UUID, limit int) Source {
	return &sessionSource{reader: reader, sessionID: sessionID, limit: limit}
}

func (s *sessionSource) Snapshot(ctx context.Context) (any, *Frame, error) {
	messages, err := s.reader.ListMessages(ctx, s.sessionID, s.limit)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"session_id": s.sessionID.String(), "messages": messages}, nil, nil
}

func (s *sessionSource) Terminal(eventbus.Event) (*Frame, bool) {
	return nil, false
}

// recentMessages bounds the history scanned for a finished reply.
const recentMessages = 20

type messageSource struct {
	reader      MessageReader
	sessionID   uuid.UUID
	messageID   uuid.UUID
	userMessage *model.StreamMessage
}

// MessageSource follows one relayed reply on its session channel and ends
// with the reply's complete or error event. With a reader, a snapshot taken
// after the reply was saved ends the channel too.
func MessageSource(reader MessageReader, sessionID uuid.UUID, messageID uuid.UUID, userMessage *model.StreamMessage) Source {
	return &messageSource{reader: reader, sessionID: sessionID, messageID: messageID, userMessage: userMessage}
}

func (s *messageSource) Snapshot(ctx context.Context) (any, *Frame, error) {
	data := map[string]any{
		"session_id":   s.sessionID.String(),
		"message_id":   s.messageID.String(),
		"user_message": s.userMessage,
	}
	if s.reader == nil {
		return data, nil, nil
	}

	messages, err := s.reader.ListMessages(ctx, s.sessionID, recentMessages)
	if err != nil {
		return nil, nil, err
	}
	for i := range messages {
		if messages[i].ID != s.messageID || messages[i].Sender != model.SenderAI {
			continue
		}
		reply := &messages[i]
		event := "complete"
		if cancelled, _ := reply.Metadata["cancelled"].(bool); cancelled {
			event = "error"
		}
		return data, &Frame{Event: event, Data: map[string]any{"message_id": s.messageID.String(), "message": reply}}, nil
	}
	return data, nil, nil
}

func (s *messageSource) Terminal(ev eventbus.Event) (*Frame, bool) {
	id := s.messageID.String()
	switch p := ev.Payload.(type) {
	case eventbus.RelayComplete:
		return nil, p.MessageID == id
	case eventbus.RelayError:
		return nil, p.MessageID == id
	}
	return nil, false
}
