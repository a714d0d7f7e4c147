package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/events"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// SubmitTask validates the target agent against the registry, persists the
// task and dispatches it. The returned id is durable: even if the dispatch
// message is lost, recovery finds the pending row and re-drives it.
func (s *Service) SubmitTask(ctx context.Context, req *v1.SubmitTaskRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is required")
	}
	def, err := s.registry.Get(req.Agent)
	if err != nil {
		return "", err
	}
	if !def.Enabled {
		return "", fmt.Errorf("agent %q is disabled", def.ID)
	}

	task := &v1.Task{
		Agent:          req.Agent,
		Command:        req.Command,
		Params:         req.Params,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	}
	taskID, err := s.broker.PublishTask(ctx, req.Agent, task)
	if err != nil {
		s.logger.Error("Task submission failed",
			zap.String("agent", req.Agent), zap.Error(err))
		return "", err
	}

	s.broadcast(ctx, events.TaskSubmitted, map[string]interface{}{
		"task_id": taskID,
		"agent":   req.Agent,
	})
	s.logger.Info("Task submitted",
		zap.String("task_id", taskID),
		zap.String("agent", req.Agent),
		zap.String("priority", string(task.Priority)))
	return taskID, nil
}

// GetTask returns the full durable record of a task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetTaskStatus returns the condensed status view of a task.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*v1.TaskStatusResponse, error) {
	return s.broker.GetTaskStatus(ctx, taskID)
}

// ListPendingTasks returns every pending task in dispatch order.
func (s *Service) ListPendingTasks(ctx context.Context) ([]*v1.Task, error) {
	return s.broker.GetPendingTasks(ctx)
}

// ListTasks returns recent tasks, newest first, optionally filtered by
// agent. A non-positive limit applies the store default.
func (s *Service) ListTasks(ctx context.Context, agent string, limit int) ([]*v1.Task, error) {
	return s.store.ListTasks(ctx, agent, limit)
}

// ListAgents merges the registry with stored statuses: every registered
// agent appears, with state unknown when it has never reported, and agents
// that reported before being removed from the registry still show up.
func (s *Service) ListAgents(ctx context.Context) ([]*v1.AgentStatus, error) {
	stored, err := s.store.ListAgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string]*v1.AgentStatus, len(stored))
	for _, st := range stored {
		byAgent[st.Agent] = st
	}

	out := make([]*v1.AgentStatus, 0, len(byAgent))
	seen := make(map[string]bool)
	for _, def := range s.registry.List() {
		if st, ok := byAgent[def.ID]; ok {
			out = append(out, st)
		} else {
			out = append(out, &v1.AgentStatus{Agent: def.ID, Status: v1.AgentStateUnknown})
		}
		seen[def.ID] = true
	}
	for _, st := range stored {
		if !seen[st.Agent] {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

// CleanupOldData deletes terminal tasks and events older than the retention
// window and reports how many rows went away.
func (s *Service) CleanupOldData(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := s.store.CleanupOldData(ctx, retention)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Old data cleaned up",
			zap.Int64("rows_removed", removed),
			zap.Duration("retention", retention))
	}
	return removed, nil
}
