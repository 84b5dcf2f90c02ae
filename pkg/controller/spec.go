package controller

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowforge/gateway/pkg/model"
)

// WorkflowSpec is the validated input of Create.
type WorkflowSpec struct {
	Name        string     `json:"name" binding:"required"`
	Description string     `json:"description" binding:"required"`
	Steps       []StepSpec `json:"steps" binding:"required,min=1,dive"`
}

type StepSpec struct {
	ID          string   `json:"id"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	AgentNames  []string `json:"agent_names" binding:"required,min=1"`
}

func (s WorkflowSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("%w: description is required", model.ErrInvalidSpec)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", model.ErrInvalidSpec)
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("%w: step %d has no name", model.ErrInvalidSpec, i)
		}
		if len(step.AgentNames) == 0 {
			return fmt.Errorf("%w: step %q has no agents", model.ErrInvalidSpec, step.Name)
		}
		for _, agent := range step.AgentNames {
			if strings.TrimSpace(agent) == "" {
				return fmt.Errorf("%w: step %q has an empty agent name", model.ErrInvalidSpec, step.Name)
			}
		}
		if step.ID != "" {
			if seen[step.ID] {
				return fmt.Errorf("%w: duplicate step id %q", model.ErrInvalidSpec, step.ID)
			}
			seen[step.ID] = true
		}
	}
	return nil
}

func (s WorkflowSpec) build(ownerID string) *model.Workflow {
	steps := make(model.Steps, len(s.Steps))
	for i, spec := range s.Steps {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		steps[i] = model.Step{
			ID:          id,
			Name:        spec.Name,
			Description: spec.Description,
			AgentNames:  append([]string(nil), spec.AgentNames...),
			Status:      model.StepPending,
		}
	}
	return &model.Workflow{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        s.Name,
		Description: s.Description,
		Status:      model.WorkflowCreated,
		Steps:       steps,
	}
}
