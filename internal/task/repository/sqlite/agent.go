package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// UpdateAgentStatus upserts the status row for an agent and stamps the
// heartbeat. An empty lastTaskID keeps whatever task the row already
// references, so watchdog and recovery writes do not erase it.
func (r *Repository) UpdateAgentStatus(ctx context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error {
	if agent == "" {
		return fmt.Errorf("agent is required")
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil || details == nil {
		detailsJSON = []byte("{}")
	}

	query := r.db.Rebind(`INSERT INTO agent_status (agent, status, last_task_id, last_heartbeat, details)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			status = excluded.status,
			last_task_id = CASE WHEN excluded.last_task_id = '' THEN agent_status.last_task_id ELSE excluded.last_task_id END,
			last_heartbeat = excluded.last_heartbeat,
			details = excluded.details`)
	_, err = r.db.ExecContext(ctx, query, agent, status, lastTaskID, time.Now().UTC(), string(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}

// GetAgentStatus retrieves the status row for one agent
func (r *Repository) GetAgentStatus(ctx context.Context, agent string) (*v1.AgentStatus, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT agent, status, last_task_id, last_heartbeat, details FROM agent_status WHERE agent = ?`), agent)
	status, err := scanAgentStatus(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent status not found: %s", agent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent status: %w", err)
	}
	return status, nil
}

// ListAgentStatuses returns the status rows for all known agents
func (r *Repository) ListAgentStatuses(ctx context.Context) ([]*v1.AgentStatus, error) {
	rows, err := r.ro.QueryContext(ctx,
		`SELECT agent, status, last_task_id, last_heartbeat, details FROM agent_status ORDER BY agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent statuses: %w", err)
	}
	defer rows.Close()

	statuses := []*v1.AgentStatus{}
	for rows.Next() {
		status, err := scanAgentStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func scanAgentStatus(row rowScanner) (*v1.AgentStatus, error) {
	status := &v1.AgentStatus{}
	var details string
	if err := row.Scan(&status.Agent, &status.Status, &status.LastTaskID, &status.LastHeartbeat, &details); err != nil {
		return nil, err
	}
	if details != "" && details != "{}" {
		_ = json.Unmarshal([]byte(details), &status.Details)
	}
	return status, nil
}
