package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/gateway/pkg/model"
)

type EventType string

const (
	EventStatusChanged  EventType = "status_changed"
	EventStepStarted    EventType = "step_started"
	EventStepProgress   EventType = "step_progress"
	EventStepCompleted  EventType = "step_completed"
	EventWorkflowFailed EventType = "workflow_failed"

	EventRelayStart    EventType = "start"
	EventRelayChunk    EventType = "chunk"
	EventRelayMetadata EventType = "metadata"
	EventRelayComplete EventType = "complete"
	EventRelayError    EventType = "error"
)

// Frame is the SSE event name used when the event is forwarded to a viewer.
func (t EventType) Frame() string {
	switch t {
	case EventRelayStart, EventRelayChunk, EventRelayMetadata, EventRelayComplete, EventRelayError:
		return string(t)
	default:
		return "update"
	}
}

// Payload is implemented only by the payload types declared in this file.
type Payload interface {
	EventType() EventType
	isPayload()
}

type StatusChanged struct {
	WorkflowID string               `json:"workflow_id"`
	From       model.WorkflowStatus `json:"from"`
	Status     model.WorkflowStatus `json:"status"`
	Actor      string               `json:"actor"`
}

type StepStarted struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	StepName   string `json:"step_name"`
	Index      int    `json:"index"`
}

type StepProgress struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Agent      string `json:"agent"`
	Content    string `json:"content"`
}

type StepCompleted struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	StepName   string `json:"step_name"`
	Index      int    `json:"index"`
}

type WorkflowFailed struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	StepName   string `json:"step_name"`
	Error      string `json:"error"`
}

type RelayStart struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// RelayChunk carries only the increment, never the accumulated content.
type RelayChunk struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type RelayMetadata struct {
	MessageID string      `json:"message_id"`
	Metadata  model.JSONB `json:"metadata"`
}

type RelayComplete struct {
	MessageID string      `json:"message_id"`
	Content   string      `json:"content"`
	Metadata  model.JSONB `json:"metadata,omitempty"`
	Degraded  bool        `json:"degraded"`
}

type RelayError struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Content   string `json:"content,omitempty"`
}

func (StatusChanged) EventType() EventType  { return EventStatusChanged }
func (StepStarted) EventType() EventType    { return EventStepStarted }
func (StepProgress) EventType() EventType   { return EventStepProgress }
func (StepCompleted) EventType() EventType  { return EventStepCompleted }
func (WorkflowFailed) EventType() EventType { return EventWorkflowFailed }
func (RelayStart) EventType() EventType     { return EventRelayStart }
func (RelayChunk) EventType() EventType     { return EventRelayChunk }
func (RelayMetadata) EventType() EventType  { return EventRelayMetadata }
func (RelayComplete) EventType() EventType  { return EventRelayComplete }
func (RelayError) EventType() EventType     { return EventRelayError }

func (StatusChanged) isPayload()  {}
func (StepStarted) isPayload()    {}
func (StepProgress) isPayload()   {}
func (StepCompleted) isPayload()  {}
func (WorkflowFailed) isPayload() {}
func (RelayStart) isPayload()     {}
func (RelayChunk) isPayload()     {}
func (RelayMetadata) isPayload()  {}
func (RelayComplete) isPayload()  {}
func (RelayError) isPayload()     {}

type Event struct {
	ChannelID string    `json:"channel_id"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	// Origin is the gateway instance that published the event; set only on
	// events travelling through the Redis bridge.
	Origin string `json:"origin,omitempty"`
}

func NewEvent(channelID string, payload Payload) Event {
	return Event{
		ChannelID: channelID,
		Type:      payload.EventType(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type wireEvent struct {
	ChannelID string          `json:"channel_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// DecodeEvent parses a JSON encoded event, rejecting unknown event types.
func DecodeEvent(data []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, err
	}
	if wire.ChannelID == "" {
		return Event{}, fmt.Errorf("event without channel_id")
	}

	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ChannelID: wire.ChannelID,
		Type:      wire.Type,
		Payload:   payload,
		Timestamp: wire.Timestamp,
		Origin:    wire.Origin,
	}, nil
}

func decodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch eventType {
	case EventStatusChanged:
		payload = &StatusChanged{}
	case EventStepStarted:
		payload = &StepStarted{}
	case EventStepProgress:
		payload = &StepProgress{}
	case EventStepCompleted:
		payload = &StepCompleted{}
	case EventWorkflowFailed:
		payload = &WorkflowFailed{}
	case EventRelayStart:
		payload = &RelayStart{}
	case EventRelayChunk:
		payload = &RelayChunk{}
	case EventRelayMetadata:
		payload = &RelayMetadata{}
	case EventRelayComplete:
		payload = &RelayComplete{}
	case EventRelayError:
		payload = &RelayError{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("event %q without payload", eventType)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return deref(payload), nil
}

// deref keeps payloads as values so type switches behave the same for local
// and decoded events.
func deref(payload Payload) Payload {
	switch p := payload.(type) {
	case *StatusChanged:
		return *p
	case *StepStarted:
		return *p
	case *StepProgress:
		return *p
	case *StepCompleted:
		return *p
	case *WorkflowFailed:
		return *p
	case *RelayStart:
		return *p
	case *RelayChunk:
		return *p
	case *RelayMetadata:
		return *p
	case *RelayComplete:
		return *p
	case *RelayError:
		return *p
	}
	return payload
}
