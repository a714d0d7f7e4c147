package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/orchestrator"
	"github.com/kandev/agentmux/internal/orchestrator/dto"
	taskrepo "github.com/kandev/agentmux/internal/task/repository"
	wfrepo "github.com/kandev/agentmux/internal/workflow/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// nopAdapter satisfies the session adapter without touching a terminal.
type nopAdapter struct{}

func (nopAdapter) SessionExists(ctx context.Context, name string) (bool, error) { return true, nil }
func (nopAdapter) CreateSession(ctx context.Context, name string) error         { return nil }
func (nopAdapter) KillSession(ctx context.Context, name string) error           { return nil }
func (nopAdapter) SendCommand(ctx context.Context, name, line string) error     { return nil }
func (nopAdapter) CapturePane(ctx context.Context, name string) (string, error) { return "", nil }

func newTestController(t *testing.T) (*Controller, *orchestrator.Service) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})

	reg := registry.NewRegistry(log)
	require.NoError(t, reg.Register(&registry.Definition{ID: "echo", Enabled: true}))

	svc := orchestrator.NewService(
		&config.Config{},
		bus.NewMemoryBus(log, ":"),
		events.NewSubjects(":"),
		nopAdapter{},
		reg,
		taskrepo.NewMemoryRepository(),
		wfrepo.NewMemoryRepository(),
		log,
	)
	return NewController(svc), svc
}

func TestControllerSubmitTaskValidation(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.SubmitTask(ctx, dto.SubmitTaskRequest{Command: "echo hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent is required")

	_, err = ctrl.SubmitTask(ctx, dto.SubmitTaskRequest{Agent: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestControllerSubmitTaskMapsPriority(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	resp, err := ctrl.SubmitTask(ctx, dto.SubmitTaskRequest{
		Agent:    "echo",
		Command:  "echo hi",
		Priority: "high",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.TaskID)

	task, err := ctrl.GetTask(ctx, dto.GetTaskRequest{TaskID: resp.TaskID})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskPriorityHigh, task.Priority)
	assert.Equal(t, v1.TaskStatePending, task.State)
}

func TestControllerDefineWorkflowMapsSteps(t *testing.T) {
	ctrl, svc := newTestController(t)
	ctx := context.Background()

	resp, err := ctrl.DefineWorkflow(ctx, dto.DefineWorkflowRequest{
		Name: "build-then-test",
		Steps: []dto.WorkflowStepDTO{
			{ID: "build", Agent: "echo", Action: "echo build"},
			{ID: "test", Agent: "echo", Action: "echo test", DependsOn: []string{"build"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	def, err := svc.GetWorkflow(ctx, resp.WorkflowID)
	require.NoError(t, err)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"build"}, def.Steps[1].DependsOn)

	list, err := ctrl.ListWorkflows(ctx, dto.ListWorkflowsRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "build-then-test", list.Workflows[0].Name)
	assert.Equal(t, 2, list.Workflows[0].Steps)
}

func TestControllerHealthCheckReportsBridgesDown(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	report, err := ctrl.HealthCheck(ctx, dto.HealthCheckRequest{})
	require.NoError(t, err)

	// Sessions exist and infrastructure is reachable, but no bridge is
	// running because the service was never started.
	assert.True(t, report.BusConnected)
	assert.True(t, report.StoreReachable)
	assert.True(t, report.Sessions["echo"])
	assert.False(t, report.Bridges["echo"])
	assert.False(t, report.Healthy)
}
