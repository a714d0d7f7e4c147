package v1

import "time"

// TaskState represents the lifecycle state of a dispatched task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateRetried   TaskState = "retried"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateRetried, TaskStateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a task may move from state s to next.
// Transitions are monotone; terminal states admit none. A pending task can
// be marked retried directly when recovery spawns a successor for it.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskStatePending:
		switch next {
		case TaskStateRunning, TaskStateRetried, TaskStateCancelled:
			return true
		}
	case TaskStateRunning:
		switch next {
		case TaskStateCompleted, TaskStateFailed, TaskStateRetried, TaskStateCancelled:
			return true
		}
	}
	return false
}

// TaskPriority orders tasks within an agent's queue
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// Weight returns the numeric rank of the priority, higher first.
func (p TaskPriority) Weight() int {
	switch p {
	case TaskPriorityCritical:
		return 3
	case TaskPriorityHigh:
		return 2
	case TaskPriorityNormal:
		return 1
	case TaskPriorityLow:
		return 0
	}
	return 1
}

// Task represents one dispatch of one command to one agent
type Task struct {
	ID             string            `json:"id"`
	Agent          string            `json:"agent"`
	Command        string            `json:"command"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       TaskPriority      `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	State          TaskState         `json:"state"`
	Result         *TaskResult       `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	OriginalTaskID string            `json:"original_task_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// TaskResult is the canonical parsed output of a completed task.
// StructuredData is present only when a trailing JSON object was parseable.
type TaskResult struct {
	RawOutput      string                 `json:"raw_output"`
	Lines          []string               `json:"lines"`
	Success        bool                   `json:"success"`
	HasErrors      bool                   `json:"has_errors"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
}

// SubmitTaskRequest for submitting a new task
type SubmitTaskRequest struct {
	Agent          string            `json:"agent"`
	Command        string            `json:"command"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       TaskPriority      `json:"priority,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// TaskStatusResponse reports the durable view of a task
type TaskStatusResponse struct {
	TaskID string      `json:"task_id"`
	State  TaskState   `json:"state"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}
