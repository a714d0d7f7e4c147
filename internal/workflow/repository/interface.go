package repository

import (
	"context"

	"github.com/kandev/agentmux/internal/workflow/models"
)

// Repository defines the interface for workflow definition and execution
// storage. The engine persists every state change through it so an
// interrupted run can be reconciled on restart.
type Repository interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, def *models.Definition) error
	GetWorkflow(ctx context.Context, id string) (*models.Definition, error)
	ListWorkflows(ctx context.Context) ([]*models.Definition, error)

	// Executions
	SaveExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// ListIncompleteExecutions returns executions that are neither
	// completed, failed nor cancelled, oldest first.
	ListIncompleteExecutions(ctx context.Context) ([]*models.Execution, error)

	// Per-execution step state
	SaveStep(ctx context.Context, step *models.StepRecord) error
	UpdateStep(ctx context.Context, step *models.StepRecord) error
	GetSteps(ctx context.Context, executionID string) ([]*models.StepRecord, error)

	Close() error
}
