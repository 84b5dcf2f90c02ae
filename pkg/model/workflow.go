package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	WorkflowCreated    WorkflowStatus = "created"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowPaused     WorkflowStatus = "paused"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowCreated:    {WorkflowInProgress},
	WorkflowInProgress: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
	WorkflowPaused:     {WorkflowInProgress, WorkflowCancelled},
}

// CanTransition reports whether the status graph allows moving from s to next.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowCreated, WorkflowInProgress, WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	AgentNames  []string   `json:"agent_names"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Steps is stored as a single JSONB column so that a status change and the
// step it touches are written in one row update.
type Steps []Step

func (s Steps) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Steps) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan steps: %v", value)
	}
	return json.Unmarshal(bytes, s)
}

func (Steps) GormDataType() string {
	return "jsonb"
}

// Running returns the index of the step currently in progress, or -1.
func (s Steps) Running() int {
	for i := range s {
		if s[i].Status == StepInProgress {
			return i
		}
	}
	return -1
}

// NextPending returns the index of the first pending step, or -1.
func (s Steps) NextPending() int {
	for i := range s {
		if s[i].Status == StepPending {
			return i
		}
	}
	return -1
}

// Failed returns the index of the first failed step, or -1.
func (s Steps) Failed() int {
	for i := range s {
		if s[i].Status == StepFailed {
			return i
		}
	}
	return -1
}

type Workflow struct {
	ID           uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	OwnerID      string         `gorm:"not null;index" json:"owner_id"`
	Name         string         `gorm:"not null" json:"name"`
	Description  string         `json:"description"`
	Status       WorkflowStatus `gorm:"type:varchar(50);default:'created';index" json:"status"`
	Steps        Steps          `gorm:"type:jsonb;not null" json:"steps"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the Steps backing array.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Steps = make(Steps, len(w.Steps))
	for i, step := range w.Steps {
		step.AgentNames = append([]string(nil), step.AgentNames...)
		out.Steps[i] = step
	}
	return &out
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}
