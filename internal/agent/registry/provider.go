package registry

import (
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
)

// Provide creates the agent registry from embedded defaults plus configuration.
func Provide(cfg *config.Config, log *logger.Logger) (*Registry, func() error, error) {
	reg := NewRegistry(log)
	reg.LoadDefaults()
	reg.ApplyConfig(cfg.Agents)
	return reg, func() error { return nil }, nil
}
