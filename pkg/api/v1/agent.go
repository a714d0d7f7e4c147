package v1

import "time"

// AgentState represents the reported status of an agent
type AgentState string

const (
	AgentStateReady   AgentState = "ready"
	AgentStateBusy    AgentState = "busy"
	AgentStateStopped AgentState = "stopped"
	AgentStateError   AgentState = "error"
	AgentStateUnknown AgentState = "unknown"
)

// AgentStatus is the durable status record of one agent
type AgentStatus struct {
	Agent         string                 `json:"agent"`
	Status        AgentState             `json:"status"`
	LastTaskID    string                 `json:"last_task_id,omitempty"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Details       map[string]interface{} `json:"details,omitempty"`
}
