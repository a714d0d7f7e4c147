package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentmux/internal/task/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository. It backs tests and embedded
// setups that can afford to lose state on restart; semantics match the SQL
// implementation, including monotone status transitions.
type MemoryRepository struct {
	mu       sync.RWMutex
	tasks    map[string]*v1.Task
	statuses map[string]*v1.AgentStatus
	events   []*models.Event
	nextID   int64
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:    make(map[string]*v1.Task),
		statuses: make(map[string]*v1.AgentStatus),
	}
}

func (m *MemoryRepository) SaveTask(_ context.Context, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = v1.TaskStatePending
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityNormal
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	stored := cloneTask(task)
	if existing, ok := m.tasks[task.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	m.tasks[task.ID] = stored
	return nil
}

func (m *MemoryRepository) GetTask(_ context.Context, id string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return cloneTask(task), nil
}

func (m *MemoryRepository) UpdateTaskStatus(_ context.Context, id string, state v1.TaskState, result *v1.TaskResult, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if task.State == state {
		return nil
	}
	if !task.State.CanTransitionTo(state) {
		return fmt.Errorf("invalid task transition %s -> %s for task %s", task.State, state, id)
	}

	now := time.Now().UTC()
	task.State = state
	switch {
	case state == v1.TaskStateRunning:
		task.StartedAt = &now
	case state.Terminal():
		task.Result = result
		task.Error = errMsg
		task.CompletedAt = &now
	}
	return nil
}

func (m *MemoryRepository) GetPendingTasks(_ context.Context, agent string) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := []*v1.Task{}
	for _, task := range m.tasks {
		if task.State != v1.TaskStatePending {
			continue
		}
		if agent != "" && task.Agent != agent {
			continue
		}
		pending = append(pending, cloneTask(task))
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if wi, wj := pending[i].Priority.Weight(), pending[j].Priority.Weight(); wi != wj {
			return wi > wj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (m *MemoryRepository) GetStaleTasks(_ context.Context, state v1.TaskState, cutoff time.Time) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := []*v1.Task{}
	for _, task := range m.tasks {
		if task.State != state {
			continue
		}
		ref := task.CreatedAt
		if state == v1.TaskStateRunning && task.StartedAt != nil {
			ref = *task.StartedAt
		}
		if ref.Before(cutoff) {
			stale = append(stale, cloneTask(task))
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

func (m *MemoryRepository) ListTasks(_ context.Context, agent string, limit int) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := []*v1.Task{}
	for _, task := range m.tasks {
		if agent != "" && task.Agent != agent {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *MemoryRepository) UpdateAgentStatus(_ context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error {
	if agent == "" {
		return fmt.Errorf("agent is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.statuses[agent]
	if lastTaskID == "" && existing != nil {
		lastTaskID = existing.LastTaskID
	}
	m.statuses[agent] = &v1.AgentStatus{
		Agent:         agent,
		Status:        status,
		LastTaskID:    lastTaskID,
		LastHeartbeat: time.Now().UTC(),
		Details:       details,
	}
	return nil
}

func (m *MemoryRepository) GetAgentStatus(_ context.Context, agent string) (*v1.AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[agent]
	if !ok {
		return nil, fmt.Errorf("agent status not found: %s", agent)
	}
	copied := *status
	return &copied, nil
}

func (m *MemoryRepository) ListAgentStatuses(_ context.Context) ([]*v1.AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := []*v1.AgentStatus{}
	for _, status := range m.statuses {
		copied := *status
		statuses = append(statuses, &copied)
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Agent < statuses[j].Agent
	})
	return statuses, nil
}

func (m *MemoryRepository) LogEvent(_ context.Context, event *models.Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.nextID++
	event.ID = m.nextID
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *MemoryRepository) ListEvents(_ context.Context, eventType string, limit int) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*models.Event{}
	for i := len(m.events) - 1; i >= 0; i-- {
		if eventType != "" && m.events[i].Type != eventType {
			continue
		}
		copied := *m.events[i]
		events = append(events, &copied)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (m *MemoryRepository) CleanupOldData(_ context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, task := range m.tasks {
		if task.State.Terminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	kept := m.events[:0]
	for _, event := range m.events {
		if event.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	m.events = kept
	return removed, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func cloneTask(task *v1.Task) *v1.Task {
	copied := *task
	if task.Params != nil {
		copied.Params = make(map[string]string, len(task.Params))
		for k, v := range task.Params {
			copied.Params[k] = v
		}
	}
	if task.Result != nil {
		result := *task.Result
		copied.Result = &result
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		copied.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}
