// Package models defines storage-side records that are not part of the
// public API surface. Task and agent status records are stored using the
// pkg/api/v1 types directly.
package models

import "time"

// Event is one record in the append-only event log. The ID is assigned by
// the store and increases monotonically within a single database.
type Event struct {
	ID        int64                  `db:"id" json:"id"`
	Type      string                 `db:"event_type" json:"event_type"`
	Source    string                 `db:"source" json:"source"`
	Data      map[string]interface{} `db:"-" json:"data,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}
