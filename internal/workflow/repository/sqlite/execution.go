package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentmux/internal/workflow/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// SaveExecution inserts a new execution record.
func (r *Repository) SaveExecution(ctx context.Context, exec *models.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatePending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil || exec.Context == nil {
		contextJSON = []byte("{}")
	}

	query := r.db.Rebind(`INSERT INTO workflow_executions
		(id, workflow_id, status, context, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query, exec.ID, exec.WorkflowID, exec.Status,
		string(contextJSON), exec.Error, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// UpdateExecution rewrites the mutable fields of an execution.
func (r *Repository) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil || exec.Context == nil {
		contextJSON = []byte("{}")
	}

	query := r.db.Rebind(`UPDATE workflow_executions
		SET status = ?, context = ?, error = ?, completed_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, exec.Status, string(contextJSON),
		exec.Error, exec.CompletedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution not found: %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (r *Repository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT id, workflow_id, status, context, error, started_at, completed_at
		 FROM workflow_executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// ListIncompleteExecutions returns executions that have not reached a
// terminal state, oldest first. Recovery uses this to find runs that were
// interrupted by a crash.
func (r *Repository) ListIncompleteExecutions(ctx context.Context) ([]*models.Execution, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT id, workflow_id, status, context, error, started_at, completed_at
		 FROM workflow_executions WHERE status IN (?, ?) ORDER BY started_at ASC`),
		v1.ExecutionStatePending, v1.ExecutionStateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	defer rows.Close()

	execs := []*models.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// SaveStep inserts the step row for an execution.
func (r *Repository) SaveStep(ctx context.Context, step *models.StepRecord) error {
	if step.ExecutionID == "" || step.StepID == "" {
		return fmt.Errorf("execution id and step id are required")
	}
	if step.Status == "" {
		step.Status = v1.StepStatePending
	}
	result := ""
	if step.Result != nil {
		if data, err := json.Marshal(step.Result); err == nil {
			result = string(data)
		}
	}

	query := r.db.Rebind(`INSERT INTO workflow_steps
		(execution_id, step_id, name, agent, action, position, status, task_id, result, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, step.ExecutionID, step.StepID, step.Name,
		step.Agent, step.Action, step.Position, step.Status, step.TaskID, result,
		step.Error, step.StartedAt, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// UpdateStep rewrites the mutable fields of a step row.
func (r *Repository) UpdateStep(ctx context.Context, step *models.StepRecord) error {
	result := ""
	if step.Result != nil {
		if data, err := json.Marshal(step.Result); err == nil {
			result = string(data)
		}
	}

	query := r.db.Rebind(`UPDATE workflow_steps
		SET status = ?, task_id = ?, result = ?, error = ?, started_at = ?, completed_at = ?
		WHERE execution_id = ? AND step_id = ?`)
	res, err := r.db.ExecContext(ctx, query, step.Status, step.TaskID, result,
		step.Error, step.StartedAt, step.CompletedAt, step.ExecutionID, step.StepID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("step not found: %s/%s", step.ExecutionID, step.StepID)
	}
	return nil
}

// GetSteps returns the step rows of an execution in definition order.
func (r *Repository) GetSteps(ctx context.Context, executionID string) ([]*models.StepRecord, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT execution_id, step_id, name, agent, action, position, status, task_id, result, error, started_at, completed_at
		 FROM workflow_steps WHERE execution_id = ? ORDER BY position ASC, step_id ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	steps := []*models.StepRecord{}
	for rows.Next() {
		step := &models.StepRecord{}
		var result string
		var started, completed sql.NullTime
		err := rows.Scan(&step.ExecutionID, &step.StepID, &step.Name, &step.Agent,
			&step.Action, &step.Position, &step.Status, &step.TaskID, &result,
			&step.Error, &started, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if result != "" {
			parsed := &v1.TaskResult{}
			if err := json.Unmarshal([]byte(result), parsed); err == nil {
				step.Result = parsed
			}
		}
		if started.Valid {
			t := started.Time
			step.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			step.CompletedAt = &t
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanExecution(row interface{ Scan(...interface{}) error }) (*models.Execution, error) {
	exec := &models.Execution{}
	var contextJSON string
	var completed sql.NullTime
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &contextJSON,
		&exec.Error, &exec.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	if contextJSON != "" && contextJSON != "{}" {
		_ = json.Unmarshal([]byte(contextJSON), &exec.Context)
	}
	if completed.Valid {
		t := completed.Time
		exec.CompletedAt = &t
	}
	return exec, nil
}
