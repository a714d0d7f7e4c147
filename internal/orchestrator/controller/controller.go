// Package controller provides the coordination layer over the orchestrator
// service: a typed request/response surface for upstream callers.
package controller

import (
	"context"
	"fmt"

	"github.com/kandev/agentmux/internal/orchestrator"
	"github.com/kandev/agentmux/internal/orchestrator/dto"
	wfmodels "github.com/kandev/agentmux/internal/workflow/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Controller coordinates orchestrator operations
type Controller struct {
	service *orchestrator.Service
}

// NewController creates a new orchestrator controller
func NewController(svc *orchestrator.Service) *Controller {
	return &Controller{
		service: svc,
	}
}

// GetStatus returns the orchestrator status
func (c *Controller) GetStatus(ctx context.Context, req dto.GetStatusRequest) (dto.StatusResponse, error) {
	status := c.service.GetStatus()
	return dto.StatusResponse{
		Running:        status.Running,
		ActiveAgents:   status.ActiveAgents,
		QueuedTasks:    status.QueuedTasks,
		TotalProcessed: status.TotalProcessed,
		TotalFailed:    status.TotalFailed,
		UptimeSeconds:  status.UptimeSeconds,
	}, nil
}

// SubmitTask dispatches a task to an agent
func (c *Controller) SubmitTask(ctx context.Context, req dto.SubmitTaskRequest) (dto.SubmitTaskResponse, error) {
	if req.Agent == "" {
		return dto.SubmitTaskResponse{}, fmt.Errorf("agent is required")
	}
	if req.Command == "" {
		return dto.SubmitTaskResponse{}, fmt.Errorf("command is required")
	}

	taskID, err := c.service.SubmitTask(ctx, &v1.SubmitTaskRequest{
		Agent:          req.Agent,
		Command:        req.Command,
		Params:         req.Params,
		Priority:       v1.TaskPriority(req.Priority),
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		return dto.SubmitTaskResponse{}, err
	}
	return dto.SubmitTaskResponse{Success: true, TaskID: taskID}, nil
}

// GetTask returns the full durable record of a task
func (c *Controller) GetTask(ctx context.Context, req dto.GetTaskRequest) (*v1.Task, error) {
	return c.service.GetTask(ctx, req.TaskID)
}

// GetTaskStatus returns the condensed status view of a task
func (c *Controller) GetTaskStatus(ctx context.Context, req dto.GetTaskRequest) (*v1.TaskStatusResponse, error) {
	return c.service.GetTaskStatus(ctx, req.TaskID)
}

// ListPendingTasks returns tasks awaiting execution in dispatch order
func (c *Controller) ListPendingTasks(ctx context.Context, req dto.ListTasksRequest) (dto.TaskListResponse, error) {
	tasks, err := c.service.ListPendingTasks(ctx)
	if err != nil {
		return dto.TaskListResponse{}, err
	}
	return dto.TaskListResponse{Tasks: tasks, Total: len(tasks)}, nil
}

// ListTasks returns recent tasks, newest first
func (c *Controller) ListTasks(ctx context.Context, req dto.ListTasksRequest) (dto.TaskListResponse, error) {
	tasks, err := c.service.ListTasks(ctx, req.Agent, req.Limit)
	if err != nil {
		return dto.TaskListResponse{}, err
	}
	return dto.TaskListResponse{Tasks: tasks, Total: len(tasks)}, nil
}

// ListAgents returns every known agent with its last reported status
func (c *Controller) ListAgents(ctx context.Context, req dto.ListAgentsRequest) (dto.AgentListResponse, error) {
	agents, err := c.service.ListAgents(ctx)
	if err != nil {
		return dto.AgentListResponse{}, err
	}
	return dto.AgentListResponse{Agents: agents, Total: len(agents)}, nil
}

// DefineWorkflow registers a workflow definition
func (c *Controller) DefineWorkflow(ctx context.Context, req dto.DefineWorkflowRequest) (dto.DefineWorkflowResponse, error) {
	def := &wfmodels.Definition{
		Name:        req.Name,
		Description: req.Description,
		Steps:       make([]wfmodels.StepDef, 0, len(req.Steps)),
	}
	for _, step := range req.Steps {
		def.Steps = append(def.Steps, wfmodels.StepDef{
			ID:             step.ID,
			Name:           step.Name,
			Agent:          step.Agent,
			Action:         step.Action,
			Params:         step.Params,
			DependsOn:      step.DependsOn,
			TimeoutSeconds: step.TimeoutSeconds,
			MaxRetries:     step.MaxRetries,
		})
	}

	workflowID, err := c.service.DefineWorkflow(ctx, def)
	if err != nil {
		return dto.DefineWorkflowResponse{}, err
	}
	return dto.DefineWorkflowResponse{Success: true, WorkflowID: workflowID}, nil
}

// DefineWorkflowYAML registers a workflow from a YAML document
func (c *Controller) DefineWorkflowYAML(ctx context.Context, req dto.DefineWorkflowYAMLRequest) (dto.DefineWorkflowResponse, error) {
	workflowID, err := c.service.DefineWorkflowYAML(ctx, []byte(req.Document))
	if err != nil {
		return dto.DefineWorkflowResponse{}, err
	}
	return dto.DefineWorkflowResponse{Success: true, WorkflowID: workflowID}, nil
}

// ListWorkflows returns summaries of all stored workflow definitions
func (c *Controller) ListWorkflows(ctx context.Context, req dto.ListWorkflowsRequest) (dto.WorkflowListResponse, error) {
	defs, err := c.service.ListWorkflows(ctx)
	if err != nil {
		return dto.WorkflowListResponse{}, err
	}

	workflows := make([]dto.WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		workflows = append(workflows, dto.WorkflowSummary{
			WorkflowID:  def.ID,
			Name:        def.Name,
			Description: def.Description,
			Steps:       len(def.Steps),
		})
	}
	return dto.WorkflowListResponse{Workflows: workflows, Total: len(workflows)}, nil
}

// ExecuteWorkflow starts an execution of a stored workflow
func (c *Controller) ExecuteWorkflow(ctx context.Context, req dto.ExecuteWorkflowRequest) (dto.ExecuteWorkflowResponse, error) {
	if req.WorkflowID == "" {
		return dto.ExecuteWorkflowResponse{}, fmt.Errorf("workflow id is required")
	}
	executionID, err := c.service.ExecuteWorkflow(ctx, req.WorkflowID, req.Inputs)
	if err != nil {
		return dto.ExecuteWorkflowResponse{}, err
	}
	return dto.ExecuteWorkflowResponse{Success: true, ExecutionID: executionID}, nil
}

// GetExecution reports an execution and all of its steps
func (c *Controller) GetExecution(ctx context.Context, req dto.GetExecutionRequest) (*v1.ExecutionStatusResponse, error) {
	return c.service.GetExecutionStatus(ctx, req.ExecutionID)
}

// CancelExecution cancels a running execution
func (c *Controller) CancelExecution(ctx context.Context, req dto.CancelExecutionRequest) (dto.SuccessResponse, error) {
	if err := c.service.CancelExecution(ctx, req.ExecutionID); err != nil {
		return dto.SuccessResponse{}, err
	}
	return dto.SuccessResponse{Success: true}, nil
}

// HealthCheck inspects the runtime without changing it
func (c *Controller) HealthCheck(ctx context.Context, req dto.HealthCheckRequest) (*v1.HealthReport, error) {
	return c.service.HealthCheck(ctx), nil
}

// Recover runs a recovery pass: the full sequence, or only the unhealthy
// parts when req.Auto is set
func (c *Controller) Recover(ctx context.Context, req dto.RecoverRequest) (dto.RecoverResponse, error) {
	var err error
	if req.Auto {
		err = c.service.AutoRecover(ctx)
	} else {
		err = c.service.Recover(ctx)
	}
	if err != nil {
		return dto.RecoverResponse{Success: false, Message: err.Error()}, nil
	}
	return dto.RecoverResponse{Success: true}, nil
}
