// Package sqlite provides the SQL-backed workflow repository. Like the task
// repository it runs on both SQLite and PostgreSQL through the shared pool.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository implements repository.Repository on top of a SQL database.
type Repository struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewWithDB creates a repository on existing writer and reader connections
// and ensures the schema exists. The connections remain owned by the caller.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	if reader == nil {
		reader = writer
	}
	r := &Repository{db: writer, ro: reader}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			context TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL,
			action TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			task_id TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			PRIMARY KEY (execution_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_steps_task ON workflow_steps(task_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the underlying connections belong to the caller.
func (r *Repository) Close() error {
	return nil
}
