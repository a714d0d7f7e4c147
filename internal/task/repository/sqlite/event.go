package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/agentmux/internal/db/dialect"
	"github.com/kandev/agentmux/internal/task/models"
)

// LogEvent appends one record to the event log and assigns its id.
func (r *Repository) LogEvent(ctx context.Context, event *models.Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event.Data)
	if err != nil || event.Data == nil {
		data = []byte("{}")
	}

	id, err := dialect.InsertReturningID(ctx, r.db,
		`INSERT INTO events (event_type, source, data, created_at) VALUES (?, ?, ?, ?)`,
		event.Type, event.Source, string(data), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns events newest first, optionally filtered by type.
// A limit of zero or less means no limit.
func (r *Repository) ListEvents(ctx context.Context, eventType string, limit int) ([]*models.Event, error) {
	query := `SELECT id, event_type, source, data, created_at FROM events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		event := &models.Event{}
		var data string
		if err := rows.Scan(&event.ID, &event.Type, &event.Source, &data, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "" && data != "{}" {
			_ = json.Unmarshal([]byte(data), &event.Data)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
