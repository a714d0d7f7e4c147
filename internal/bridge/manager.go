package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/session"
)

// Manager owns one bridge per enabled registry agent and fans lifecycle
// operations out across them.
type Manager struct {
	registry *registry.Registry
	adapter  session.Adapter
	broker   Broker
	cfg      *config.Config
	logger   *logger.Logger
	baseLog  *logger.Logger

	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewManager creates a bridge manager over the registry's agents.
func NewManager(reg *registry.Registry, adapter session.Adapter, brk Broker, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		registry: reg,
		adapter:  adapter,
		broker:   brk,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "bridge-manager")),
		baseLog:  log,
		bridges:  make(map[string]*Bridge),
	}
}

// StartAll starts a bridge for every enabled agent. Bridges start in
// parallel; the first failure aborts the remaining starts and is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	defs := m.registry.ListEnabled()
	g, gctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			return m.StartAgent(gctx, def.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("All bridges started", zap.Int("count", len(defs)))
	return nil
}

// StartAgent starts (or restarts after a stop) the bridge for one agent,
// creating it on first use.
func (m *Manager) StartAgent(ctx context.Context, agent string) error {
	br, err := m.ensureBridge(agent)
	if err != nil {
		return err
	}
	if err := br.Start(ctx); err != nil {
		if errors.Is(err, ErrBridgeAlreadyRunning) {
			return nil
		}
		return fmt.Errorf("failed to start bridge for %s: %w", agent, err)
	}
	return nil
}

// StopAll stops every running bridge, collecting errors.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, br := range m.bridges {
		bridges = append(bridges, br)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, br := range bridges {
		br := br
		g.Go(func() error {
			if err := br.Stop(ctx); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
				return fmt.Errorf("failed to stop bridge for %s: %w", br.Agent(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Info("All bridges stopped")
	return nil
}

// Restart stops the agent's bridge if running and starts it again. Used by
// the recovery coordinator when a bridge is found dead.
func (m *Manager) Restart(ctx context.Context, agent string) error {
	m.mu.RLock()
	br, ok := m.bridges[agent]
	m.mu.RUnlock()

	if ok {
		if err := br.Stop(ctx); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
			return fmt.Errorf("failed to stop bridge for %s: %w", agent, err)
		}
	}
	return m.StartAgent(ctx, agent)
}

// Bridge returns the agent's bridge if one has been created.
func (m *Manager) Bridge(agent string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	br, ok := m.bridges[agent]
	return br, ok
}

// Running reports whether the agent's bridge run loop is active.
func (m *Manager) Running(agent string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	br, ok := m.bridges[agent]
	return ok && br.IsRunning()
}

// Agents returns the ids of all managed bridges, sorted.
func (m *Manager) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]string, 0, len(m.bridges))
	for agent := range m.bridges {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents
}

// ensureBridge returns the agent's bridge, creating it from the registry
// definition on first use. Registry timeout and retry overrides become the
// bridge's defaults; task-level values still win.
func (m *Manager) ensureBridge(agent string) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if br, ok := m.bridges[agent]; ok {
		return br, nil
	}

	def, err := m.registry.Get(agent)
	if err != nil {
		return nil, err
	}

	taskCfg := m.cfg.Task
	if def.TimeoutSeconds > 0 {
		taskCfg.Timeout.DefaultSeconds = def.TimeoutSeconds
	}
	if def.MaxRetries > 0 {
		taskCfg.Retry.MaxAttempts = def.MaxRetries
	} else if def.MaxRetries < 0 {
		taskCfg.Retry.MaxAttempts = 1
	}

	br, err := New(Config{
		Agent:   def.ID,
		Session: def.SessionName(),
		Bridge:  m.cfg.Bridge,
		Task:    taskCfg,
	}, m.adapter, m.broker, m.baseLog)
	if err != nil {
		return nil, err
	}

	m.bridges[agent] = br
	return br, nil
}
