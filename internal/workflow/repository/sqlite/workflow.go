package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentmux/internal/workflow/models"
)

// SaveWorkflow stores a workflow definition. The full definition is kept
// as JSON; name and description are mirrored into columns for listing.
// Saving an existing id replaces the definition.
func (r *Repository) SaveWorkflow(ctx context.Context, def *models.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	definition, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	query := r.db.Rebind(`INSERT INTO workflows (id, name, description, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			definition = excluded.definition`)
	_, err = r.db.ExecContext(ctx, query, def.ID, def.Name, def.Description, string(definition), def.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by ID
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*models.Definition, error) {
	var definition string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT definition FROM workflows WHERE id = ?`), id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	def := &models.Definition{}
	if err := json.Unmarshal([]byte(definition), def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return def, nil
}

// ListWorkflows returns all stored workflow definitions, newest first.
func (r *Repository) ListWorkflows(ctx context.Context) ([]*models.Definition, error) {
	rows, err := r.ro.QueryContext(ctx,
		`SELECT definition FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	defs := []*models.Definition{}
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		def := &models.Definition{}
		if err := json.Unmarshal([]byte(definition), def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
