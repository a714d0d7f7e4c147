package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

const taskColumns = `id, agent, command, params, priority, timeout_seconds, max_retries,
	status, result, error, correlation_id, original_task_id, created_at, started_at, completed_at`

// Pending tasks come back highest priority first, oldest first within a
// priority. The weights mirror v1.TaskPriority.Weight.
const priorityOrder = `CASE priority
	WHEN 'critical' THEN 3
	WHEN 'high' THEN 2
	WHEN 'normal' THEN 1
	ELSE 0
END DESC, created_at ASC`

// SaveTask inserts the task, or replaces it in place when the id already
// exists. Missing fields get defaults: a fresh UUID, pending state, normal
// priority and the current time. The creation time is never overwritten.
func (r *Repository) SaveTask(ctx context.Context, task *v1.Task) error {
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

	params, err := json.Marshal(task.Params)
	if err != nil {
		params = []byte("{}")
	}
	result := ""
	if task.Result != nil {
		if data, err := json.Marshal(task.Result); err == nil {
			result = string(data)
		}
	}

	query := r.db.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent,
			command = excluded.command,
			params = excluded.params,
			priority = excluded.priority,
			timeout_seconds = excluded.timeout_seconds,
			max_retries = excluded.max_retries,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			correlation_id = excluded.correlation_id,
			original_task_id = excluded.original_task_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`)
	_, err = r.db.ExecContext(ctx, query,
		task.ID, task.Agent, task.Command, string(params), task.Priority,
		task.TimeoutSeconds, task.MaxRetries, task.State, result, task.Error,
		task.CorrelationID, task.OriginalTaskID, task.CreatedAt, task.StartedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus applies a monotone state transition inside a transaction
// so concurrent writers cannot move a task backwards. Re-applying the
// current state succeeds without touching the row, which keeps result
// delivery idempotent under at-least-once messaging.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, state v1.TaskState, result *v1.TaskResult, errMsg string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current v1.TaskState
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	if current == state {
		return nil
	}
	if !current.CanTransitionTo(state) {
		return fmt.Errorf("invalid task transition %s -> %s for task %s", current, state, id)
	}

	now := time.Now().UTC()
	switch {
	case state == v1.TaskStateRunning:
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`), state, now, id)
	case state.Terminal():
		resultJSON := ""
		if result != nil {
			if data, merr := json.Marshal(result); merr == nil {
				resultJSON = string(data)
			}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ?`),
			state, resultJSON, errMsg, now, id)
	default:
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET status = ? WHERE id = ?`), state, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return tx.Commit()
}

// GetPendingTasks returns pending tasks for one agent, or for all agents
// when agent is empty, in dispatch order.
func (r *Repository) GetPendingTasks(ctx context.Context, agent string) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []interface{}{v1.TaskStatePending}
	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY ` + priorityOrder

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetStaleTasks returns tasks stuck in the given state since before the
// cutoff. Pending tasks age from their submission time, running tasks from
// their start time.
func (r *Repository) GetStaleTasks(ctx context.Context, state v1.TaskState, cutoff time.Time) ([]*v1.Task, error) {
	column := "created_at"
	if state == v1.TaskStateRunning {
		column = "COALESCE(started_at, created_at)"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? AND ` + column + ` < ? ORDER BY created_at ASC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), state, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns tasks newest first, optionally filtered by agent.
// A limit of zero or less means no limit.
func (r *Repository) ListTasks(ctx context.Context, agent string, limit int) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var params, result string
	var started, completed sql.NullTime
	err := row.Scan(&task.ID, &task.Agent, &task.Command, &params, &task.Priority,
		&task.TimeoutSeconds, &task.MaxRetries, &task.State, &result, &task.Error,
		&task.CorrelationID, &task.OriginalTaskID, &task.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		_ = json.Unmarshal([]byte(params), &task.Params)
	}
	if result != "" {
		parsed := &v1.TaskResult{}
		if err := json.Unmarshal([]byte(result), parsed); err == nil {
			task.Result = parsed
		}
	}
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*v1.Task, error) {
	tasks := []*v1.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
