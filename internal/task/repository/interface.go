package repository

import (
	"context"
	"time"

	"github.com/kandev/agentmux/internal/task/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Repository defines the interface for task state, agent status and event
// log storage. All writes are durable before the corresponding bus message
// is published.
type Repository interface {
	// Task operations
	SaveTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	// UpdateTaskStatus applies a monotone state transition. Moving to
	// running stamps started_at; moving to a terminal state stamps
	// completed_at and records the result and error. Re-applying the
	// current state is a no-op.
	UpdateTaskStatus(ctx context.Context, id string, state v1.TaskState, result *v1.TaskResult, errMsg string) error
	// GetPendingTasks returns pending tasks ordered by priority weight
	// descending, then submission time ascending. An empty agent matches
	// all agents.
	GetPendingTasks(ctx context.Context, agent string) ([]*v1.Task, error)
	// GetStaleTasks returns tasks in the given state that were last
	// touched before the cutoff. Pending tasks are compared on their
	// submission time, running tasks on their start time.
	GetStaleTasks(ctx context.Context, state v1.TaskState, cutoff time.Time) ([]*v1.Task, error)
	ListTasks(ctx context.Context, agent string, limit int) ([]*v1.Task, error)

	// Agent status operations
	UpdateAgentStatus(ctx context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error
	GetAgentStatus(ctx context.Context, agent string) (*v1.AgentStatus, error)
	ListAgentStatuses(ctx context.Context) ([]*v1.AgentStatus, error)

	// Event log operations
	LogEvent(ctx context.Context, event *models.Event) error
	ListEvents(ctx context.Context, eventType string, limit int) ([]*models.Event, error)

	// CleanupOldData deletes terminal tasks and events older than the
	// retention window and returns the number of rows removed.
	CleanupOldData(ctx context.Context, retention time.Duration) (int64, error)

	// Close closes the repository (for database connections)
	Close() error
}
