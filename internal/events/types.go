// Package events provides subject names and utilities for the agentmux message bus.
package events

import (
	"strings"

	"github.com/kandev/agentmux/internal/events/bus"
)

// Subject channel prefixes
const (
	SubjectTasks   = "tasks"   // Task dispatch, one subject per agent
	SubjectResults = "results" // Task results, one subject per task
	SubjectEvents  = "events"  // Lifecycle events by topic
	SubjectStatus  = "status"  // Agent status updates, one subject per agent
)

// Event topics for tasks
const (
	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRetried   = "task.retried"
	TaskCancelled = "task.cancelled"
	TaskTimeout   = "task.timeout"
	TaskRequeued  = "task.requeued"
)

// Event topics for workflows
const (
	WorkflowStarted   = "workflow.started"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
)

// Event topics for workflow steps
const (
	StepStarted   = "step.started"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"
	StepSkipped   = "step.skipped"
)

// Event topics for agents
const (
	AgentStatusChanged = "agent.status_changed"
	AgentUnresponsive  = "agent.unresponsive"
)

// Event topics for recovery
const (
	RecoveryStarted   = "recovery.started"
	RecoveryCompleted = "recovery.completed"
)

// Subjects builds bus subjects using the configured token separator.
type Subjects struct {
	sep string
}

// NewSubjects creates a subject builder. An empty separator selects the
// bus default.
func NewSubjects(separator string) Subjects {
	if separator == "" {
		separator = bus.DefaultSeparator
	}
	return Subjects{sep: separator}
}

// Separator returns the configured token separator
func (s Subjects) Separator() string {
	return s.sep
}

func (s Subjects) join(parts ...string) string {
	return strings.Join(parts, s.sep)
}

// Task creates the dispatch subject for a specific agent
func (s Subjects) Task(agentID string) string {
	return s.join(SubjectTasks, agentID)
}

// TaskWildcard creates a wildcard subscription for all task dispatches
func (s Subjects) TaskWildcard() string {
	return s.join(SubjectTasks, "*")
}

// Result creates the result subject for a specific task
func (s Subjects) Result(taskID string) string {
	return s.join(SubjectResults, taskID)
}

// ResultWildcard creates a wildcard subscription for all task results
func (s Subjects) ResultWildcard() string {
	return s.join(SubjectResults, "*")
}

// Event creates the subject for a lifecycle event topic.
// Topics are dotted names, so the multi token wildcard is needed to
// subscribe to all of them when the separator is itself a dot.
func (s Subjects) Event(topic string) string {
	return s.join(SubjectEvents, topic)
}

// EventWildcard creates a wildcard subscription for all lifecycle events
func (s Subjects) EventWildcard() string {
	return s.join(SubjectEvents, ">")
}

// Status creates the status subject for a specific agent
func (s Subjects) Status(agentID string) string {
	return s.join(SubjectStatus, agentID)
}

// StatusWildcard creates a wildcard subscription for all agent status updates
func (s Subjects) StatusWildcard() string {
	return s.join(SubjectStatus, "*")
}
