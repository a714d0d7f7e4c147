package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/workflow/models"
	"github.com/kandev/agentmux/internal/workflow/repository"
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

type fakeSub struct{}

func (fakeSub) Unsubscribe() error { return nil }
func (fakeSub) IsValid() bool      { return true }

type dispatched struct {
	agent string
	task  *v1.Task
}

// engineBroker records task dispatches and lets tests feed results back
// into the engine's subscription synchronously.
type engineBroker struct {
	mu          sync.Mutex
	subjects    events.Subjects
	handler     bus.Handler
	tasks       []dispatched
	topics      []string
	failCommand string
}

func newEngineBroker() *engineBroker {
	return &engineBroker{subjects: events.NewSubjects(":")}
}

func (f *engineBroker) PublishTask(ctx context.Context, agent string, task *v1.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommand != "" && task.Command == f.failCommand {
		return "", errors.New("store unavailable")
	}
	task.Agent = agent
	task.State = v1.TaskStatePending
	f.tasks = append(f.tasks, dispatched{agent: agent, task: task})
	return task.ID, nil
}

func (f *engineBroker) BroadcastEvent(ctx context.Context, topic string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *engineBroker) Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return fakeSub{}, nil
}

func (f *engineBroker) Subjects() events.Subjects { return f.subjects }

func (f *engineBroker) dispatchedTasks() []dispatched {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatched, len(f.tasks))
	copy(out, f.tasks)
	return out
}

func (f *engineBroker) seenTopic(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// finish delivers a task result to the engine the way the bus would.
func (f *engineBroker) finish(t *testing.T, taskID string, success bool, raw, errMsg string) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	require.NotNil(t, handler, "engine has not subscribed to results")

	var result *v1.TaskResult
	if raw != "" || success {
		result = &v1.TaskResult{RawOutput: raw, Success: success, HasErrors: !success}
	}
	payload := events.EncodeResult(&events.TaskResultMessage{
		TaskID:  taskID,
		Success: success,
		Result:  result,
		Error:   errMsg,
	})
	require.NoError(t, handler(context.Background(), bus.NewMessage(bus.MessageTypeResult, "test", payload)))
}

func setupEngine(t *testing.T) (*Engine, *engineBroker, repository.Repository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	fb := newEngineBroker()
	eng := New(repo, fb, newTestLogger())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, fb, repo
}

func defineTestWorkflow(t *testing.T, eng *Engine, steps ...models.StepDef) string {
	t.Helper()
	id, err := eng.DefineWorkflow(context.Background(), &models.Definition{
		Name:  "test-workflow",
		Steps: steps,
	})
	require.NoError(t, err)
	return id
}

func TestDefineWorkflowRejectsInvalidDefinitions(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.DefineWorkflow(ctx, nil)
	assert.Error(t, err)

	_, err = eng.DefineWorkflow(ctx, &models.Definition{})
	assert.ErrorContains(t, err, "name is required")

	_, err = eng.DefineWorkflow(ctx, &models.Definition{Name: "w", Steps: []models.StepDef{
		{ID: "a", Agent: "x", Action: "run"},
		{ID: "a", Agent: "x", Action: "run"},
	}})
	assert.ErrorContains(t, err, "duplicate step id")

	_, err = eng.DefineWorkflow(ctx, &models.Definition{Name: "w", Steps: []models.StepDef{
		{ID: "a", Agent: "x", Action: "run", DependsOn: []string{"ghost"}},
	}})
	assert.ErrorContains(t, err, "unknown dependency")

	_, err = eng.DefineWorkflow(ctx, &models.Definition{Name: "w", Steps: []models.StepDef{
		{ID: "a", Agent: "x", Action: "run", DependsOn: []string{"b"}},
		{ID: "b", Agent: "x", Action: "run", DependsOn: []string{"a"}},
	}})
	assert.ErrorContains(t, err, "dependency cycle")
}

func TestDefineWorkflowKeepsProvidedID(t *testing.T) {
	eng, _, _ := setupEngine(t)

	id, err := eng.DefineWorkflow(context.Background(), &models.Definition{
		ID:   "wf-fixed",
		Name: "fixed",
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-fixed", id)
}

func TestExecuteRequiresStartedEngine(t *testing.T) {
	repo := repository.NewMemoryRepository()
	eng := New(repo, newEngineBroker(), newTestLogger())

	_, err := eng.Execute(context.Background(), "anything", nil)
	assert.ErrorContains(t, err, "not started")
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	eng, _, _ := setupEngine(t)

	_, err := eng.Execute(context.Background(), "missing", nil)
	assert.ErrorContains(t, err, "not found")
}

func TestExecuteEmptyWorkflowCompletesImmediately(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCompleted, status.State)
	assert.Empty(t, status.Steps)
	assert.NotNil(t, status.CompletedAt)
	assert.Empty(t, fb.dispatchedTasks())
	assert.True(t, fb.seenTopic(events.WorkflowCompleted))
}

func TestExecuteSequentialWorkflow(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "s1", Agent: "supervisor", Action: "echo one"},
		models.StepDef{ID: "s2", Agent: "worker", Action: "process {s1}", DependsOn: []string{"s1"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "supervisor", tasks[0].agent)
	assert.Equal(t, "echo one", tasks[0].task.Command)
	assert.Equal(t, execID+"/s1", tasks[0].task.CorrelationID)

	fb.finish(t, tasks[0].task.ID, true, "one", "")

	tasks = fb.dispatchedTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "worker", tasks[1].agent)
	assert.Equal(t, "process one", tasks[1].task.Command, "step output must interpolate into downstream actions")

	fb.finish(t, tasks[1].task.ID, true, "two", "")

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCompleted, status.State)
	require.Len(t, status.Steps, 2)
	assert.Equal(t, "s1", status.Steps[0].StepID)
	assert.Equal(t, v1.StepStateCompleted, status.Steps[0].State)
	require.NotNil(t, status.Steps[0].Result)
	assert.Equal(t, "one", status.Steps[0].Result.RawOutput)
	assert.Equal(t, v1.StepStateCompleted, status.Steps[1].State)

	// A dependent step never starts before its prerequisite completed.
	require.NotNil(t, status.Steps[0].CompletedAt)
	require.NotNil(t, status.Steps[1].StartedAt)
	assert.False(t, status.Steps[1].StartedAt.Before(*status.Steps[0].CompletedAt))

	assert.True(t, fb.seenTopic(events.WorkflowStarted))
	assert.True(t, fb.seenTopic(events.StepStarted))
	assert.True(t, fb.seenTopic(events.StepCompleted))
	assert.True(t, fb.seenTopic(events.WorkflowCompleted))
}

func TestExecuteRendersInputsAndParams(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{
			ID:             "greet",
			Agent:          "worker",
			Action:         "greet {name} {count} {missing}",
			Params:         map[string]string{"who": "{name}"},
			TimeoutSeconds: 42,
			MaxRetries:     2,
		},
	)

	_, err := eng.Execute(context.Background(), wfID, map[string]interface{}{
		"name":  "bob",
		"count": 3,
	})
	require.NoError(t, err)

	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "greet bob 3 {missing}", tasks[0].task.Command)
	assert.Equal(t, "bob", tasks[0].task.Params["who"])
	assert.Equal(t, 42, tasks[0].task.TimeoutSeconds)
	assert.Equal(t, 2, tasks[0].task.MaxRetries)
}

func TestExecuteParallelFanOut(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w1", Action: "run a"},
		models.StepDef{ID: "b", Agent: "w1", Action: "run b", DependsOn: []string{"a"}},
		models.StepDef{ID: "c", Agent: "w2", Action: "run c", DependsOn: []string{"a"}},
		models.StepDef{ID: "d", Agent: "w1", Action: "join {b} {c}", DependsOn: []string{"b", "c"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 1)
	fb.finish(t, tasks[0].task.ID, true, "root", "")

	// Both branches go out once the root completes.
	tasks = fb.dispatchedTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "run b", tasks[1].task.Command)
	assert.Equal(t, "run c", tasks[2].task.Command)

	// The join waits for its second prerequisite.
	fb.finish(t, tasks[1].task.ID, true, "bee", "")
	assert.Len(t, fb.dispatchedTasks(), 3)

	fb.finish(t, tasks[2].task.ID, true, "sea", "")
	tasks = fb.dispatchedTasks()
	require.Len(t, tasks, 4)
	assert.Equal(t, "join bee sea", tasks[3].task.Command)

	fb.finish(t, tasks[3].task.ID, true, "joined", "")

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCompleted, status.State)
	for _, step := range status.Steps {
		assert.Equal(t, v1.StepStateCompleted, step.State, step.StepID)
	}
}

func TestStepFailureCascadesToDependents(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w", Action: "run a"},
		models.StepDef{ID: "b", Agent: "w", Action: "run b", DependsOn: []string{"a"}},
		models.StepDef{ID: "c", Agent: "w", Action: "run c", DependsOn: []string{"b"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 1)
	fb.finish(t, tasks[0].task.ID, false, "", "boom")

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateFailed, status.State)
	assert.Equal(t, "step a failed: boom", status.Error)
	require.Len(t, status.Steps, 3)
	assert.Equal(t, v1.StepStateFailed, status.Steps[0].State)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[1].State)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[2].State)
	assert.True(t, fb.seenTopic(events.StepFailed))
	assert.True(t, fb.seenTopic(events.StepSkipped))
	assert.True(t, fb.seenTopic(events.WorkflowFailed))

	// Nothing further was dispatched.
	assert.Len(t, fb.dispatchedTasks(), 1)

	// Redelivered result for the failed task changes nothing.
	fb.finish(t, tasks[0].task.ID, false, "", "boom")
	status, err = eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateFailed, status.State)
}

func TestStepFailureLeavesIndependentBranchesAlone(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w", Action: "run a"},
		models.StepDef{ID: "b", Agent: "w", Action: "run b"},
		models.StepDef{ID: "c", Agent: "w", Action: "run c", DependsOn: []string{"b"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)
	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 2)

	fb.finish(t, tasks[0].task.ID, false, "", "bad")

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateFailed, status.State)
	require.Len(t, status.Steps, 3)
	assert.Equal(t, v1.StepStateFailed, status.Steps[0].State)
	// The sibling branch does not depend on the failed step: its running
	// step keeps its state and its pending dependent is not skipped. The
	// terminal execution is what stops them.
	assert.Equal(t, v1.StepStateRunning, status.Steps[1].State)
	assert.Equal(t, v1.StepStatePending, status.Steps[2].State)

	// The sibling's late result is dropped once the execution is terminal.
	fb.finish(t, tasks[1].task.ID, true, "late", "")
	status, err = eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.StepStateRunning, status.Steps[1].State)
	assert.Len(t, fb.dispatchedTasks(), 2)
}

func TestCancelSkipsUnfinishedSteps(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w", Action: "run a"},
		models.StepDef{ID: "b", Agent: "w", Action: "run b", DependsOn: []string{"a"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)
	tasks := fb.dispatchedTasks()
	require.Len(t, tasks, 1)

	require.NoError(t, eng.Cancel(ctx, execID))

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCancelled, status.State)
	require.Len(t, status.Steps, 2)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[0].State)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[1].State)
	assert.True(t, fb.seenTopic(events.WorkflowCancelled))

	// In-flight result for the cancelled execution is ignored.
	fb.finish(t, tasks[0].task.ID, true, "late", "")
	status, err = eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCancelled, status.State)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[0].State)

	err = eng.Cancel(ctx, execID)
	assert.ErrorContains(t, err, "already cancelled")
}

func TestFailExecution(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w", Action: "run a"},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	require.NoError(t, eng.FailExecution(ctx, execID, "timeout"))

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateFailed, status.State)
	assert.Equal(t, "timeout", status.Error)
	require.Len(t, status.Steps, 1)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[0].State)
	assert.True(t, fb.seenTopic(events.WorkflowFailed))
}

func TestDispatchFailureFailsExecution(t *testing.T) {
	eng, fb, _ := setupEngine(t)
	ctx := context.Background()
	fb.failCommand = "doomed"
	wfID := defineTestWorkflow(t, eng,
		models.StepDef{ID: "a", Agent: "w", Action: "doomed"},
		models.StepDef{ID: "b", Agent: "w", Action: "run b", DependsOn: []string{"a"}},
	)

	execID, err := eng.Execute(ctx, wfID, nil)
	require.NoError(t, err)

	status, err := eng.GetExecutionStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateFailed, status.State)
	assert.Contains(t, status.Error, "dispatch failed")
	require.Len(t, status.Steps, 2)
	assert.Equal(t, v1.StepStateFailed, status.Steps[0].State)
	assert.Equal(t, v1.StepStateSkipped, status.Steps[1].State)
}

func TestResultForUnknownTaskIgnored(t *testing.T) {
	_, fb, _ := setupEngine(t)

	fb.finish(t, "no-such-task", true, "out", "")
}

func TestInterpolate(t *testing.T) {
	ctxMap := map[string]interface{}{
		"name":  "bob",
		"count": 3,
		"step1": "hello world",
	}

	assert.Equal(t, "greet bob", interpolate("greet {name}", ctxMap))
	assert.Equal(t, "n=3", interpolate("n={count}", ctxMap))
	assert.Equal(t, "use hello world now", interpolate("use {step1} now", ctxMap))
	assert.Equal(t, "keep {unknown}", interpolate("keep {unknown}", ctxMap))
	assert.Equal(t, "no placeholders", interpolate("no placeholders", ctxMap))
	assert.Equal(t, "empty {x}", interpolate("empty {x}", nil))
	assert.Equal(t, `awk '{print $1}'`, interpolate(`awk '{print $1}'`, ctxMap))
}
