// Package models defines workflow definitions and execution records.
// Definitions carry YAML tags alongside JSON so operators can register
// DAGs from YAML documents.
package models

import (
	"fmt"
	"time"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Definition describes a workflow: a DAG of steps, each dispatched as one
// task to one agent.
type Definition struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int       `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []StepDef `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
}

// StepDef is one step inside a workflow definition. Action is a command
// template; placeholders of the form {name} are substituted from the
// execution context before dispatch.
type StepDef struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Agent          string            `json:"agent" yaml:"agent"`
	Action         string            `json:"action" yaml:"action"`
	Params         map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Validate checks structural rules that do not depend on the agent
// registry: step ids unique and non-empty, dependencies resolvable, no
// self-dependency. Cycle detection happens in the engine where the full
// graph is built anyway. An empty workflow is legal.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("step %d: duplicate step id %q", i, step.ID)
		}
		seen[step.ID] = true
		if step.Agent == "" {
			return fmt.Errorf("step %q: agent is required", step.ID)
		}
		if step.Action == "" {
			return fmt.Errorf("step %q: action is required", step.ID)
		}
	}
	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %q: depends on itself", step.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("step %q: unknown dependency %q", step.ID, dep)
			}
		}
	}
	return nil
}

// Step returns the step definition with the given id, or nil.
func (d *Definition) Step(id string) *StepDef {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Execution is one run of a workflow. Context starts as the caller's
// inputs and accumulates step outputs under their step ids.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      v1.ExecutionState      `json:"status"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// StepRecord is the durable per-execution state of one step. Position is
// the step's index in the definition and fixes the reporting order.
type StepRecord struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Name        string         `json:"name,omitempty"`
	Agent       string         `json:"agent"`
	Action      string         `json:"action"`
	Position    int            `json:"position"`
	Status      v1.StepState   `json:"status"`
	TaskID      string         `json:"task_id,omitempty"`
	Result      *v1.TaskResult `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ToStepStatus converts the record to its API view.
func (s *StepRecord) ToStepStatus() v1.StepStatus {
	return v1.StepStatus{
		StepID:      s.StepID,
		Name:        s.Name,
		Agent:       s.Agent,
		State:       s.Status,
		TaskID:      s.TaskID,
		Result:      s.Result,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}
