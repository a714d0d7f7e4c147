// Package sqlite provides the SQL-backed task repository. Despite the name
// it speaks both SQLite and PostgreSQL; the few statements that differ
// between the two are built through the dialect package.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentmux/internal/db/dialect"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Repository implements repository.Repository on top of a SQL database.
// Writes go through db, reads through ro. With SQLite those are separate
// connections so reads do not queue behind the single writer.
type Repository struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewWithDB creates a repository on existing writer and reader connections
// and ensures the schema exists. The connections remain owned by the
// caller and are not closed by Close.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	if reader == nil {
		reader = writer
	}
	r := &Repository{db: writer, ro: reader}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			command TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'normal',
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			original_task_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_status (
			agent TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'unknown',
			last_task_id TEXT NOT NULL DEFAULT '',
			last_heartbeat TIMESTAMP NOT NULL,
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`, dialect.AutoIncrementPK(r.db.DriverName())),
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CleanupOldData removes terminal tasks and events older than the retention
// window. Agent status rows are kept; they are bounded by the number of
// configured agents.
func (r *Repository) CleanupOldData(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN (?, ?, ?, ?)`),
		cutoff, v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateRetried, v1.TaskStateCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM events WHERE created_at < ?`), cutoff)
	if err != nil {
		return removed, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

// Close is a no-op; the underlying connections belong to the caller.
func (r *Repository) Close() error {
	return nil
}
