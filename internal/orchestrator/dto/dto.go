// Package dto provides Data Transfer Objects for the orchestrator surface.
package dto

import (
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// GetStatusRequest is the request for orchestrator.status
type GetStatusRequest struct{}

// StatusResponse is the response for orchestrator.status
type StatusResponse struct {
	Running        bool  `json:"running"`
	ActiveAgents   int   `json:"active_agents"`
	QueuedTasks    int   `json:"queued_tasks"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

// SubmitTaskRequest is the payload for task.submit
type SubmitTaskRequest struct {
	Agent          string            `json:"agent"`
	Command        string            `json:"command"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// SubmitTaskResponse is the response for task.submit
type SubmitTaskResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}

// GetTaskRequest is the payload for task.get
type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

// ListTasksRequest is the payload for task.list
type ListTasksRequest struct {
	Agent string `json:"agent,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TaskListResponse is the response for task.list and task.pending
type TaskListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// ListAgentsRequest is the payload for agent.list
type ListAgentsRequest struct{}

// AgentListResponse is the response for agent.list
type AgentListResponse struct {
	Agents []*v1.AgentStatus `json:"agents"`
	Total  int               `json:"total"`
}

// WorkflowStepDTO is one step of a workflow definition request.
type WorkflowStepDTO struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Agent          string            `json:"agent"`
	Action         string            `json:"action"`
	Params         map[string]string `json:"params,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// DefineWorkflowRequest is the payload for workflow.define
type DefineWorkflowRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Steps       []WorkflowStepDTO `json:"steps"`
}

// DefineWorkflowYAMLRequest is the payload for workflow.define_yaml
type DefineWorkflowYAMLRequest struct {
	Document string `json:"document"`
}

// DefineWorkflowResponse is the response for workflow.define
type DefineWorkflowResponse struct {
	Success    bool   `json:"success"`
	WorkflowID string `json:"workflow_id"`
}

// ListWorkflowsRequest is the payload for workflow.list
type ListWorkflowsRequest struct{}

// WorkflowSummary is one workflow in a listing.
type WorkflowSummary struct {
	WorkflowID  string `json:"workflow_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// WorkflowListResponse is the response for workflow.list
type WorkflowListResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
	Total     int               `json:"total"`
}

// ExecuteWorkflowRequest is the payload for workflow.execute
type ExecuteWorkflowRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
}

// ExecuteWorkflowResponse is the response for workflow.execute
type ExecuteWorkflowResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id"`
}

// GetExecutionRequest is the payload for workflow.execution
type GetExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// CancelExecutionRequest is the payload for workflow.cancel
type CancelExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// HealthCheckRequest is the payload for recovery.health
type HealthCheckRequest struct{}

// RecoverRequest is the payload for recovery.run. Auto restricts the pass
// to the parts a health check reports unhealthy.
type RecoverRequest struct {
	Auto bool `json:"auto,omitempty"`
}

// RecoverResponse is the response for recovery.run
type RecoverResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is a generic success response
type SuccessResponse struct {
	Success bool `json:"success"`
}
