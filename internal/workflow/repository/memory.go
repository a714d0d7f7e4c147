package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentmux/internal/workflow/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

type stepKey struct {
	executionID string
	stepID      string
}

// MemoryRepository is an in-memory workflow repository with the same
// semantics as the SQL implementation. Records are deep-copied through
// JSON on the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu         sync.RWMutex
	workflows  map[string]*models.Definition
	executions map[string]*models.Execution
	steps      map[stepKey]*models.StepRecord
}

// NewMemoryRepository creates an empty in-memory workflow repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows:  make(map[string]*models.Definition),
		executions: make(map[string]*models.Execution),
		steps:      make(map[stepKey]*models.StepRecord),
	}
}

func (m *MemoryRepository) SaveWorkflow(_ context.Context, def *models.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.ID] = copyRecord(def, &models.Definition{})
	return nil
}

func (m *MemoryRepository) GetWorkflow(_ context.Context, id string) (*models.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	return copyRecord(def, &models.Definition{}), nil
}

func (m *MemoryRepository) ListWorkflows(_ context.Context) ([]*models.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := []*models.Definition{}
	for _, def := range m.workflows {
		defs = append(defs, copyRecord(def, &models.Definition{}))
	}
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
	return defs, nil
}

func (m *MemoryRepository) SaveExecution(_ context.Context, exec *models.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatePending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	m.executions[exec.ID] = copyRecord(exec, &models.Execution{})
	return nil
}

func (m *MemoryRepository) UpdateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return fmt.Errorf("execution not found: %s", exec.ID)
	}
	m.executions[exec.ID] = copyRecord(exec, &models.Execution{})
	return nil
}

func (m *MemoryRepository) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	return copyRecord(exec, &models.Execution{}), nil
}

func (m *MemoryRepository) ListIncompleteExecutions(_ context.Context) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := []*models.Execution{}
	for _, exec := range m.executions {
		if exec.Status == v1.ExecutionStatePending || exec.Status == v1.ExecutionStateRunning {
			execs = append(execs, copyRecord(exec, &models.Execution{}))
		}
	}
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
	return execs, nil
}

func (m *MemoryRepository) SaveStep(_ context.Context, step *models.StepRecord) error {
	if step.ExecutionID == "" || step.StepID == "" {
		return fmt.Errorf("execution id and step id are required")
	}
	if step.Status == "" {
		step.Status = v1.StepStatePending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[stepKey{step.ExecutionID, step.StepID}] = copyRecord(step, &models.StepRecord{})
	return nil
}

func (m *MemoryRepository) UpdateStep(_ context.Context, step *models.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{step.ExecutionID, step.StepID}
	if _, ok := m.steps[key]; !ok {
		return fmt.Errorf("step not found: %s/%s", step.ExecutionID, step.StepID)
	}
	m.steps[key] = copyRecord(step, &models.StepRecord{})
	return nil
}

func (m *MemoryRepository) GetSteps(_ context.Context, executionID string) ([]*models.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := []*models.StepRecord{}
	for key, step := range m.steps {
		if key.executionID == executionID {
			steps = append(steps, copyRecord(step, &models.StepRecord{}))
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Position != steps[j].Position {
			return steps[i].Position < steps[j].Position
		}
		return steps[i].StepID < steps[j].StepID
	})
	return steps, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func copyRecord[T any](src, dst *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		copied := *src
		return &copied
	}
	if err := json.Unmarshal(data, dst); err != nil {
		copied := *src
		return &copied
	}
	return dst
}
