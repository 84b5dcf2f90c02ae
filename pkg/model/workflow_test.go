package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"name": "flowforge", "count": 2}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["name"] != "flowforge" {
		t.Fatalf("expected scanned name flowforge, got %v", scanned["name"])
	}
}

func TestStepsValueAndScan(t *testing.T) {
	steps := Steps{
		{ID: "a", Name: "A", AgentNames: []string{"writer"}, Status: StepCompleted},
		{ID: "b", Name: "B", AgentNames: []string{"critic", "editor"}, Status: StepPending},
	}

	value, err := steps.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned Steps
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(scanned) != 2 || scanned[1].AgentNames[1] != "editor" {
		t.Fatalf("unexpected scanned steps: %+v", scanned)
	}
	if scanned.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", scanned.GormDataType())
	}

	if err := scanned.Scan(`[{"id":"c","status":"failed"}]`); err != nil {
		t.Fatalf("Scan(string) error: %v", err)
	}
	if scanned.Failed() != 0 {
		t.Fatalf("expected failed step at 0, got %d", scanned.Failed())
	}
}

func TestNilStepsValue(t *testing.T) {
	var steps Steps
	value, err := steps.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	var decoded []Step
	if err := json.Unmarshal(value.([]byte), &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty steps, got %d", len(decoded))
	}
}

func TestWorkflowStatusTransitions(t *testing.T) {
	allowed := map[WorkflowStatus][]WorkflowStatus{
		WorkflowCreated:    {WorkflowInProgress},
		WorkflowInProgress: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
		WorkflowPaused:     {WorkflowInProgress, WorkflowCancelled},
	}
	all := []WorkflowStatus{WorkflowCreated, WorkflowInProgress, WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}

	for _, status := range []WorkflowStatus{WorkflowCompleted, WorkflowFailed, WorkflowCancelled} {
		if !status.IsTerminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	if WorkflowPaused.IsTerminal() {
		t.Error("paused must not be terminal")
	}
}

func TestStepsIndexHelpers(t *testing.T) {
	steps := Steps{
		{ID: "a", Status: StepCompleted},
		{ID: "b", Status: StepInProgress},
		{ID: "c", Status: StepPending},
	}
	if steps.Running() != 1 {
		t.Fatalf("expected running 1, got %d", steps.Running())
	}
	if steps.NextPending() != 2 {
		t.Fatalf("expected next pending 2, got %d", steps.NextPending())
	}
	if steps.Failed() != -1 {
		t.Fatalf("expected no failed step, got %d", steps.Failed())
	}
}

func TestWorkflowCloneIsDeep(t *testing.T) {
	original := &Workflow{Steps: Steps{{ID: "a", AgentNames: []string{"x"}, Status: StepPending}}}
	clone := original.Clone()
	clone.Steps[0].Status = StepCompleted
	clone.Steps[0].AgentNames[0] = "y"

	if original.Steps[0].Status != StepPending || original.Steps[0].AgentNames[0] != "x" {
		t.Fatalf("clone mutated original: %+v", original.Steps[0])
	}
}
