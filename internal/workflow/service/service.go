// Package service exposes workflow operations: defining DAGs (from structs
// or YAML documents), starting executions and inspecting them.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/workflow/engine"
	"github.com/kandev/agentmux/internal/workflow/models"
	"github.com/kandev/agentmux/internal/workflow/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Service provides workflow business logic over the engine and repository.
type Service struct {
	engine *engine.Engine
	repo   repository.Repository
	logger *logger.Logger
}

// NewService creates a workflow service.
func NewService(eng *engine.Engine, repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		engine: eng,
		repo:   repo,
		logger: log.WithFields(zap.String("component", "workflow-service")),
	}
}

// DefineWorkflow validates and stores a workflow definition.
func (s *Service) DefineWorkflow(ctx context.Context, def *models.Definition) (string, error) {
	id, err := s.engine.DefineWorkflow(ctx, def)
	if err != nil {
		s.logger.Error("Failed to define workflow", zap.Error(err))
		return "", err
	}
	return id, nil
}

// DefineWorkflowYAML parses a YAML workflow document and stores it.
func (s *Service) DefineWorkflowYAML(ctx context.Context, doc []byte) (string, error) {
	var def models.Definition
	if err := yaml.Unmarshal(doc, &def); err != nil {
		return "", fmt.Errorf("failed to parse workflow document: %w", err)
	}
	return s.DefineWorkflow(ctx, &def)
}

// GetWorkflow returns a stored workflow definition.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*models.Definition, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// ListWorkflows returns all stored workflow definitions, newest first.
func (s *Service) ListWorkflows(ctx context.Context) ([]*models.Definition, error) {
	return s.repo.ListWorkflows(ctx)
}

// Execute starts a run of a workflow and returns its execution id.
func (s *Service) Execute(ctx context.Context, workflowID string, inputs map[string]interface{}) (string, error) {
	execID, err := s.engine.Execute(ctx, workflowID, inputs)
	if err != nil {
		s.logger.Error("Failed to execute workflow",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return "", err
	}
	return execID, nil
}

// GetExecutionStatus reports an execution and its per-step state.
func (s *Service) GetExecutionStatus(ctx context.Context, executionID string) (*v1.ExecutionStatusResponse, error) {
	return s.engine.GetExecutionStatus(ctx, executionID)
}

// ListIncompleteExecutions returns executions that have not reached a
// terminal state, oldest first.
func (s *Service) ListIncompleteExecutions(ctx context.Context) ([]*models.Execution, error) {
	return s.repo.ListIncompleteExecutions(ctx)
}

// Cancel stops an execution, skipping all unfinished steps.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	if err := s.engine.Cancel(ctx, executionID); err != nil {
		return err
	}
	s.logger.Info("Workflow execution cancelled", zap.String("execution_id", executionID))
	return nil
}
