package v1

import "time"

// ExecutionState represents the lifecycle state of a workflow execution
type ExecutionState string

const (
	ExecutionStatePending   ExecutionState = "pending"
	ExecutionStateRunning   ExecutionState = "running"
	ExecutionStateCompleted ExecutionState = "completed"
	ExecutionStateFailed    ExecutionState = "failed"
	ExecutionStateCancelled ExecutionState = "cancelled"
)

// Terminal reports whether the execution can no longer change state.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled:
		return true
	}
	return false
}

// StepState represents the state of a single step within an execution
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateRunning   StepState = "running"
	StepStateCompleted StepState = "completed"
	StepStateFailed    StepState = "failed"
	StepStateSkipped   StepState = "skipped"
)

// StepStatus is the per-step view inside an execution status report
type StepStatus struct {
	StepID      string      `json:"step_id"`
	Name        string      `json:"name,omitempty"`
	Agent       string      `json:"agent"`
	State       StepState   `json:"state"`
	TaskID      string      `json:"task_id,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ExecutionStatusResponse reports a workflow execution and its steps
type ExecutionStatusResponse struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	State       ExecutionState `json:"state"`
	Steps       []StepStatus   `json:"steps"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
