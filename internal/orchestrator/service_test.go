package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	taskrepo "github.com/kandev/agentmux/internal/task/repository"
	wfmodels "github.com/kandev/agentmux/internal/workflow/models"
	wfrepo "github.com/kandev/agentmux/internal/workflow/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	return log
}

// shellAdapter fakes a terminal session: sent lines land in the pane behind
// a prompt, and echo commands print their argument on its own line, which is
// what lets the bridge's marker frame complete.
type shellAdapter struct {
	mu    sync.Mutex
	panes map[string][]string
}

func newShellAdapter() *shellAdapter {
	return &shellAdapter{panes: make(map[string][]string)}
}

func (a *shellAdapter) SessionExists(ctx context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.panes[name]
	return ok, nil
}

func (a *shellAdapter) CreateSession(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panes[name] = []string{"user@host$"}
	return nil
}

func (a *shellAdapter) KillSession(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.panes, name)
	return nil
}

func (a *shellAdapter) SendCommand(ctx context.Context, name, line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pane, ok := a.panes[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	if line == "clear" {
		a.panes[name] = []string{"user@host$"}
		return nil
	}

	pane = append(pane, "user@host$ "+line)
	if strings.HasPrefix(line, "echo ") {
		arg := strings.TrimPrefix(line, "echo ")
		if unquoted, err := strconv.Unquote(arg); err == nil {
			pane = append(pane, unquoted)
		} else {
			pane = append(pane, arg)
		}
	}
	a.panes[name] = pane
	return nil
}

func (a *shellAdapter) CapturePane(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pane, ok := a.panes[name]
	if !ok {
		return "", fmt.Errorf("no session %q", name)
	}
	return strings.Join(pane, "\n"), nil
}

func newTestService(t *testing.T, defs ...*registry.Definition) (*Service, *taskrepo.MemoryRepository) {
	t.Helper()
	log := newTestLogger()

	reg := registry.NewRegistry(log)
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}

	cfg := &config.Config{
		Bridge: config.BridgeConfig{
			CapturePollMs: 5,
			StableSamples: 3,
			InterLineMs:   1,
		},
		Task: config.TaskConfig{
			Timeout: config.TimeoutConfig{DefaultSeconds: 2},
			Retry:   config.RetryConfig{MaxAttempts: 1, BackoffBaseSeconds: 1, BackoffCapSeconds: 1},
		},
	}

	store := taskrepo.NewMemoryRepository()
	svc := NewService(
		cfg,
		bus.NewMemoryBus(log, ":"),
		events.NewSubjects(":"),
		newShellAdapter(),
		reg,
		store,
		wfrepo.NewMemoryRepository(),
		log,
	)
	return svc, store
}

func TestServiceStartStopLifecycle(t *testing.T) {
	svc, _ := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	assert.False(t, svc.IsRunning())
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.IsRunning())

	assert.ErrorIs(t, svc.Start(ctx), ErrServiceAlreadyRunning)

	require.NoError(t, svc.Stop(ctx))
	assert.False(t, svc.IsRunning())

	assert.ErrorIs(t, svc.Stop(ctx), ErrServiceNotRunning)
}

func TestServiceSubmitTaskValidation(t *testing.T) {
	svc, _ := newTestService(t,
		&registry.Definition{ID: "echo", Enabled: true},
		&registry.Definition{ID: "off", Enabled: false},
	)
	ctx := context.Background()

	_, err := svc.SubmitTask(ctx, nil)
	require.Error(t, err)

	_, err = svc.SubmitTask(ctx, &v1.SubmitTaskRequest{Agent: "ghost", Command: "echo hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = svc.SubmitTask(ctx, &v1.SubmitTaskRequest{Agent: "off", Command: "echo hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestServiceTaskRoundTrip(t *testing.T) {
	svc, store := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	status := svc.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.ActiveAgents)

	taskID, err := svc.SubmitTask(ctx, &v1.SubmitTaskRequest{
		Agent:   "echo",
		Command: "echo hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		st, err := svc.GetTaskStatus(ctx, taskID)
		return err == nil && st.State == v1.TaskStateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	task, err := svc.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.Result)
	assert.Contains(t, task.Result.RawOutput, "hello")

	pending, err := svc.ListPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The watcher feeds the result back into the counters and the durable
	// event log.
	require.Eventually(t, func() bool {
		return svc.GetStatus().TotalProcessed == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rows, err := store.ListEvents(ctx, events.TaskCompleted, 0)
		return err == nil && len(rows) == 1
	}, 3*time.Second, 10*time.Millisecond)

	submitted, err := store.ListEvents(ctx, events.TaskSubmitted, 0)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, taskID, submitted[0].Data["task_id"])
}

func TestServiceWorkflowRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	workflowID, err := svc.DefineWorkflow(ctx, &wfmodels.Definition{
		Name: "two-step",
		Steps: []wfmodels.StepDef{
			{ID: "one", Agent: "echo", Action: "echo first-done"},
			{ID: "two", Agent: "echo", Action: "echo second-done", DependsOn: []string{"one"}},
		},
	})
	require.NoError(t, err)

	executionID, err := svc.ExecuteWorkflow(ctx, workflowID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := svc.GetExecutionStatus(ctx, executionID)
		return err == nil && exec.State == v1.ExecutionStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	exec, err := svc.GetExecutionStatus(ctx, executionID)
	require.NoError(t, err)
	require.Len(t, exec.Steps, 2)
	for _, step := range exec.Steps {
		assert.Equal(t, v1.StepStateCompleted, step.State)
	}
}

func TestServiceTaskResultCounters(t *testing.T) {
	svc, _ := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	svc.handleTaskResult(ctx, &events.TaskResultMessage{TaskID: "t-ok", Success: true})
	svc.handleTaskResult(ctx, &events.TaskResultMessage{TaskID: "t-bad", Success: false, Error: "boom"})

	status := svc.GetStatus()
	assert.Equal(t, int64(1), status.TotalProcessed)
	assert.Equal(t, int64(1), status.TotalFailed)
}

func TestServiceAgentStatusDrivesWatchdog(t *testing.T) {
	svc, _ := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	assert.False(t, svc.watchdog.Monitored("echo"))

	svc.handleAgentStatus(ctx, &v1.AgentStatus{Agent: "echo", Status: v1.AgentStateReady})
	assert.True(t, svc.watchdog.Monitored("echo"))

	svc.handleAgentStatus(ctx, &v1.AgentStatus{Agent: "echo", Status: v1.AgentStateStopped})
	assert.False(t, svc.watchdog.Monitored("echo"))

	// The unknown state comes from the expiry path itself and must not
	// re-arm monitoring, or a dead agent would be re-reported forever.
	svc.handleAgentStatus(ctx, &v1.AgentStatus{Agent: "echo", Status: v1.AgentStateUnknown})
	assert.False(t, svc.watchdog.Monitored("echo"))

	// Agents outside the registry are never armed.
	svc.handleAgentStatus(ctx, &v1.AgentStatus{Agent: "stranger", Status: v1.AgentStateReady})
	assert.False(t, svc.watchdog.Monitored("stranger"))
}

func TestServiceExpiredAgentMarkedUnknown(t *testing.T) {
	svc, store := newTestService(t, &registry.Definition{ID: "echo", Enabled: true})
	ctx := context.Background()

	svc.onAgentExpired("echo", 120*time.Second)

	st, err := store.GetAgentStatus(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStateUnknown, st.Status)
	assert.Equal(t, "heartbeat_expired", st.Details["reason"])
}

func TestServiceListAgentsMergesRegistryAndStore(t *testing.T) {
	svc, store := newTestService(t,
		&registry.Definition{ID: "alpha", Enabled: true},
		&registry.Definition{ID: "beta", Enabled: true},
	)
	ctx := context.Background()

	require.NoError(t, store.UpdateAgentStatus(ctx, "beta", v1.AgentStateReady, "t-9", nil))
	require.NoError(t, store.UpdateAgentStatus(ctx, "gone", v1.AgentStateStopped, "", nil))

	agents, err := svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)

	assert.Equal(t, "alpha", agents[0].Agent)
	assert.Equal(t, v1.AgentStateUnknown, agents[0].Status)

	assert.Equal(t, "beta", agents[1].Agent)
	assert.Equal(t, v1.AgentStateReady, agents[1].Status)
	assert.Equal(t, "t-9", agents[1].LastTaskID)

	assert.Equal(t, "gone", agents[2].Agent)
	assert.Equal(t, v1.AgentStateStopped, agents[2].Status)
}
