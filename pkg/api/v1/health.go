package v1

import "time"

// HealthReport is the structured result of a recovery health check
type HealthReport struct {
	Healthy         bool            `json:"healthy"`
	BusConnected    bool            `json:"bus_connected"`
	StoreReachable  bool            `json:"store_reachable"`
	Sessions        map[string]bool `json:"sessions"`
	Bridges         map[string]bool `json:"bridges"`
	StaleTasks      int             `json:"stale_tasks"`
	StaleExecutions int             `json:"stale_executions"`
	CheckedAt       time.Time       `json:"checked_at"`
}
