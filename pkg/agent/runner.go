// Package agent runs the agents assigned to a workflow step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/upstream"
)

// Task identifies the step being executed.
type Task struct {
	WorkflowID  string
	StepID      string
	StepName    string
	Description string
	AgentNames  []string
}

// Runner executes every agent of a step and returns once they are done. A
// non-nil error fails the step.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// RunnerFunc lets a plain function act as a Runner.
type RunnerFunc func(ctx context.Context, task Task) error

func (f RunnerFunc) Run(ctx context.Context, task Task) error { return f(ctx, task) }

// GeneratorRunner runs each agent as one upstream generation and streams the
// produced text onto the workflow channel as step_progress events. Agents of
// a step run in order; each sees the output of the previous one.
type GeneratorRunner struct {
	generator upstream.Generator
	publisher eventbus.Publisher
	logger    *zap.Logger
}

func NewGeneratorRunner(generator upstream.Generator, publisher eventbus.Publisher, logger *zap.Logger) *GeneratorRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeneratorRunner{
		generator: generator,
		publisher: publisher,
		logger:    logger.Named("agent_runner"),
	}
}

func (r *GeneratorRunner) Run(ctx context.Context, task Task) error {
	if len(task.AgentNames) == 0 {
		return errors.New("step has no agents")
	}

	previous := ""
	for _, agentName := range task.AgentNames {
		output, err := r.runAgent(ctx, task, agentName, previous)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentName, err)
		}
		previous = output
	}
	return nil
}

func (r *GeneratorRunner) runAgent(ctx context.Context, task Task, agentName, previous string) (string, error) {
	req := upstream.Request{
		SessionID: task.WorkflowID,
		System:    fmt.Sprintf("You are %s working on the step %q of a workflow.", agentName, task.StepName),
		Prompt:    buildPrompt(task, previous),
	}

	it, err := r.generator.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer it.Close()

	var output strings.Builder
	for {
		chunk, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk.Content != "" {
			output.WriteString(chunk.Content)
			r.publisher.Publish(task.WorkflowID, eventbus.StepProgress{
				WorkflowID: task.WorkflowID,
				StepID:     task.StepID,
				Agent:      agentName,
				Content:    chunk.Content,
			})
		}
		if chunk.Final {
			break
		}
	}

	r.logger.Debug("agent finished",
		zap.String("workflow_id", task.WorkflowID),
		zap.String("step_id", task.StepID),
		zap.String("agent", agentName),
		zap.Int("output_len", output.Len()))
	return output.String(), nil
}

func buildPrompt(task Task, previous string) string {
	var b strings.Builder
	b.WriteString(task.StepName)
	if task.Description != "" {
		b.WriteString(": ")
		b.WriteString(task.Description)
	}
	if previous != "" {
		b.WriteString("\n\nPrevious agent output:\n")
		b.WriteString(previous)
	}
	return b.String()
}
