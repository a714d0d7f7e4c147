// Package registry manages known agents and their terminal session bindings.
package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
)

//go:embed agents.json
var agentsFS embed.FS

// agentsConfig is the structure of the agents.json file
type agentsConfig struct {
	Version string        `json:"version"`
	Agents  []*Definition `json:"agents"`
}

// Definition holds the configuration for one agent
type Definition struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Session        string   `json:"session,omitempty"`         // Terminal session name, defaults to the agent id
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"` // Per-task timeout override
	MaxRetries     int      `json:"max_retries,omitempty"`     // Retry budget override, -1 disables retries
	Capabilities   []string `json:"capabilities,omitempty"`
	Enabled        bool     `json:"enabled"`
}

// SessionName returns the terminal session bound to this agent
func (d *Definition) SessionName() string {
	if d.Session != "" {
		return d.Session
	}
	return d.ID
}

// Registry manages agent definitions
type Registry struct {
	agents map[string]*Definition
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates a new agent registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Definition),
		logger: log,
	}
}

// LoadDefaults loads the agent definitions embedded in the binary
func (r *Registry) LoadDefaults() {
	defaults, err := loadAgentsFromJSON()
	if err != nil {
		r.logger.Warn("failed to load embedded agent defaults", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defaults {
		r.agents[def.ID] = def
		r.logger.Info("loaded default agent", zap.String("id", def.ID))
	}
}

// ApplyConfig merges configured agents over the registered set. A configured
// id that is already known overrides its session and budgets; an unknown id
// registers a new enabled agent.
func (r *Registry) ApplyConfig(agents map[string]config.AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cfg := range agents {
		def, exists := r.agents[id]
		if !exists {
			def = &Definition{ID: id, Name: id, Enabled: true}
			r.agents[id] = def
		}
		if cfg.Session != "" {
			def.Session = cfg.Session
		}
		if cfg.TimeoutSeconds > 0 {
			def.TimeoutSeconds = cfg.TimeoutSeconds
		}
		if cfg.MaxRetries != 0 {
			def.MaxRetries = cfg.MaxRetries
		}
		r.logger.Info("configured agent",
			zap.String("id", id),
			zap.String("session", def.SessionName()))
	}
}

// Register adds a new agent definition
func (r *Registry) Register(def *Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[def.ID]; exists {
		return fmt.Errorf("agent %q already registered", def.ID)
	}

	r.agents[def.ID] = def
	r.logger.Info("registered agent", zap.String("id", def.ID))
	return nil
}

// Unregister removes an agent definition
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return fmt.Errorf("agent %q not found", id)
	}

	delete(r.agents, id)
	r.logger.Info("unregistered agent", zap.String("id", id))
	return nil
}

// Get returns an agent definition
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("agent %q not found", id)
	}

	return def, nil
}

// List returns all registered agents
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Definition, 0, len(r.agents))
	for _, def := range r.agents {
		result = append(result, def)
	}
	return result
}

// ListEnabled returns only enabled agents
func (r *Registry) ListEnabled() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Definition, 0, len(r.agents))
	for _, def := range r.agents {
		if def.Enabled {
			result = append(result, def)
		}
	}
	return result
}

// Exists checks if an agent is registered
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[id]
	return exists
}

// ValidateDefinition validates an agent definition
func ValidateDefinition(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if def.MaxRetries < -1 {
		return fmt.Errorf("max retries must be -1, 0, or positive")
	}
	return nil
}

// loadAgentsFromJSON loads agent definitions from the embedded agents.json file
func loadAgentsFromJSON() ([]*Definition, error) {
	data, err := agentsFS.ReadFile("agents.json")
	if err != nil {
		return nil, fmt.Errorf("read agents config: %w", err)
	}

	var cfg agentsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}

	return cfg.Agents, nil
}
