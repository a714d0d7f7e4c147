package orchestrator

import (
	"context"

	wfmodels "github.com/kandev/agentmux/internal/workflow/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// DefineWorkflow validates and stores a workflow definition.
func (s *Service) DefineWorkflow(ctx context.Context, def *wfmodels.Definition) (string, error) {
	return s.workflows.DefineWorkflow(ctx, def)
}

// DefineWorkflowYAML parses a YAML workflow document and stores it.
func (s *Service) DefineWorkflowYAML(ctx context.Context, doc []byte) (string, error) {
	return s.workflows.DefineWorkflowYAML(ctx, doc)
}

// GetWorkflow returns a stored workflow definition.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*wfmodels.Definition, error) {
	return s.workflows.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns all stored workflow definitions.
func (s *Service) ListWorkflows(ctx context.Context) ([]*wfmodels.Definition, error) {
	return s.workflows.ListWorkflows(ctx)
}

// ExecuteWorkflow starts an execution of the workflow with the given inputs
// and returns its id.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]interface{}) (string, error) {
	return s.workflows.Execute(ctx, workflowID, inputs)
}

// GetExecutionStatus reports an execution and all of its steps.
func (s *Service) GetExecutionStatus(ctx context.Context, executionID string) (*v1.ExecutionStatusResponse, error) {
	return s.workflows.GetExecutionStatus(ctx, executionID)
}

// CancelExecution cancels a running execution. In-flight steps keep their
// agents busy until they finish, but their results no longer advance the
// execution.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	return s.workflows.Cancel(ctx, executionID)
}
