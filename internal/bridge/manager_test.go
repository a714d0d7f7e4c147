package bridge

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
)

func newTestRegistry(t *testing.T, defs ...*registry.Definition) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(newTestLogger())
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return reg
}

func newTestManager(t *testing.T, reg *registry.Registry) (*Manager, *echoAdapter, *fakeBroker) {
	t.Helper()
	adapter := newEchoAdapter()
	fb := newFakeBroker()
	cfg := &config.Config{
		Bridge: config.BridgeConfig{
			CapturePollMs: 5,
			StableSamples: 3,
			InterLineMs:   1,
		},
		Task: config.TaskConfig{
			Timeout: config.TimeoutConfig{DefaultSeconds: 2},
			Retry:   config.RetryConfig{MaxAttempts: 3, BackoffBaseSeconds: 1, BackoffCapSeconds: 1},
		},
	}
	return NewManager(reg, adapter, fb, cfg, newTestLogger()), adapter, fb
}

func TestManagerStartAllSkipsDisabledAgents(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Definition{ID: "agent-a", Enabled: true},
		&registry.Definition{ID: "agent-b", Session: "custom-sess", Enabled: true},
		&registry.Definition{ID: "agent-off", Enabled: false},
	)
	m, adapter, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.StartAll(ctx))
	defer func() { _ = m.StopAll(ctx) }()

	assert.True(t, m.Running("agent-a"))
	assert.True(t, m.Running("agent-b"))
	assert.False(t, m.Running("agent-off"))
	assert.Equal(t, []string{"agent-a", "agent-b"}, m.Agents())

	created := append([]string(nil), adapter.created...)
	sort.Strings(created)
	assert.Equal(t, []string{"agent-a", "custom-sess"}, created)

	br, ok := m.Bridge("agent-b")
	require.True(t, ok)
	assert.Equal(t, "custom-sess", br.Session())
}

func TestManagerStopAll(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Definition{ID: "agent-a", Enabled: true},
		&registry.Definition{ID: "agent-b", Enabled: true},
	)
	m, _, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.StartAll(ctx))
	require.NoError(t, m.StopAll(ctx))

	assert.False(t, m.Running("agent-a"))
	assert.False(t, m.Running("agent-b"))

	// Stopping again is fine: already-stopped bridges are tolerated.
	require.NoError(t, m.StopAll(ctx))
}

func TestManagerStartAgentUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	m, _, _ := newTestManager(t, reg)

	err := m.StartAgent(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestManagerStartAgentIdempotent(t *testing.T) {
	reg := newTestRegistry(t, &registry.Definition{ID: "agent-a", Enabled: true})
	m, adapter, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.StartAgent(ctx, "agent-a"))
	require.NoError(t, m.StartAgent(ctx, "agent-a"))
	defer func() { _ = m.StopAll(ctx) }()

	assert.True(t, m.Running("agent-a"))
	assert.Len(t, adapter.created, 1)
}

func TestManagerRestart(t *testing.T) {
	reg := newTestRegistry(t, &registry.Definition{ID: "agent-a", Enabled: true})
	m, _, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.StartAgent(ctx, "agent-a"))
	require.NoError(t, m.Restart(ctx, "agent-a"))
	defer func() { _ = m.StopAll(ctx) }()

	assert.True(t, m.Running("agent-a"))
}

func TestManagerRestartWithoutPriorStart(t *testing.T) {
	reg := newTestRegistry(t, &registry.Definition{ID: "agent-a", Enabled: true})
	m, _, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.Restart(ctx, "agent-a"))
	defer func() { _ = m.StopAll(ctx) }()

	assert.True(t, m.Running("agent-a"))
}

func TestManagerAppliesDefinitionOverrides(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Definition{ID: "slow", TimeoutSeconds: 7, Enabled: true},
		&registry.Definition{ID: "eager", MaxRetries: 5, Enabled: true},
		&registry.Definition{ID: "oneshot", MaxRetries: -1, Enabled: true},
	)
	m, _, _ := newTestManager(t, reg)
	ctx := context.Background()

	require.NoError(t, m.StartAll(ctx))
	defer func() { _ = m.StopAll(ctx) }()

	slow, ok := m.Bridge("slow")
	require.True(t, ok)
	assert.Equal(t, 7, slow.taskCfg.Timeout.DefaultSeconds)
	assert.Equal(t, 3, slow.taskCfg.Retry.MaxAttempts)

	eager, ok := m.Bridge("eager")
	require.True(t, ok)
	assert.Equal(t, 5, eager.taskCfg.Retry.MaxAttempts)
	assert.Equal(t, 2, eager.taskCfg.Timeout.DefaultSeconds)

	oneshot, ok := m.Bridge("oneshot")
	require.True(t, ok)
	assert.Equal(t, 1, oneshot.taskCfg.Retry.MaxAttempts)
}
