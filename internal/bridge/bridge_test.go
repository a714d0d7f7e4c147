package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/session"
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

// echoAdapter simulates a shell session: sent lines are echoed behind a
// prompt, echo commands print their argument, scripted commands print their
// configured output, and "hang" wedges the session so later input is
// swallowed like a shell stuck in a foreground process.
type echoAdapter struct {
	mu         sync.Mutex
	panes      map[string][]string
	outputs    map[string]string
	wedged     map[string]bool
	sent       []string
	created    []string
	captureErr error
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{
		panes:   make(map[string][]string),
		outputs: make(map[string]string),
		wedged:  make(map[string]bool),
	}
}

func (a *echoAdapter) SessionExists(ctx context.Context, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.panes[name]
	return ok, nil
}

func (a *echoAdapter) CreateSession(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panes[name] = []string{"user@host$"}
	a.created = append(a.created, name)
	return nil
}

func (a *echoAdapter) KillSession(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.panes, name)
	return nil
}

func (a *echoAdapter) SendCommand(ctx context.Context, name, line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pane, ok := a.panes[name]
	if !ok {
		return fmt.Errorf("session %s: %w", name, session.ErrSessionNotFound)
	}
	a.sent = append(a.sent, line)

	if a.wedged[name] {
		return nil
	}
	if line == "clear" {
		a.panes[name] = []string{"user@host$"}
		return nil
	}

	pane = append(pane, "user@host$ "+line)
	switch {
	case strings.HasPrefix(line, "echo "):
		arg := strings.TrimPrefix(line, "echo ")
		if unquoted, err := strconv.Unquote(arg); err == nil {
			pane = append(pane, unquoted)
		} else {
			pane = append(pane, arg)
		}
	case line == "hang":
		a.wedged[name] = true
	default:
		if out, ok := a.outputs[line]; ok {
			pane = append(pane, strings.Split(out, "\n")...)
		}
	}
	a.panes[name] = pane
	return nil
}

func (a *echoAdapter) CapturePane(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.captureErr != nil {
		return "", a.captureErr
	}
	pane, ok := a.panes[name]
	if !ok {
		return "", fmt.Errorf("session %s: %w", name, session.ErrSessionNotFound)
	}
	return strings.Join(pane, "\n"), nil
}

func (a *echoAdapter) script(command, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs[command] = output
}

func (a *echoAdapter) sentCount(line string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sent {
		if s == line {
			n++
		}
	}
	return n
}

func (a *echoAdapter) sentLines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

type publishedResult struct {
	taskID  string
	result  *v1.TaskResult
	success bool
	errMsg  string
}

type statusUpdate struct {
	agent      string
	status     v1.AgentState
	lastTaskID string
}

type fakeSub struct{}

func (fakeSub) Unsubscribe() error { return nil }
func (fakeSub) IsValid() bool      { return true }

// fakeBroker implements the Broker interface and records everything the
// bridge does with it.
type fakeBroker struct {
	mu       sync.Mutex
	subjects events.Subjects
	handlers map[string]bus.Handler
	running  []string
	statuses []statusUpdate
	resultCh chan publishedResult
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subjects: events.NewSubjects(":"),
		handlers: make(map[string]bus.Handler),
		resultCh: make(chan publishedResult, 16),
	}
}

func (f *fakeBroker) MarkTaskRunning(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, taskID)
	return nil
}

func (f *fakeBroker) PublishResult(ctx context.Context, taskID string, result *v1.TaskResult, success bool, errMsg string) error {
	f.resultCh <- publishedResult{taskID: taskID, result: result, success: success, errMsg: errMsg}
	return nil
}

func (f *fakeBroker) UpdateAgentStatus(ctx context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusUpdate{agent: agent, status: status, lastTaskID: lastTaskID})
	return nil
}

func (f *fakeBroker) Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = handler
	return fakeSub{}, nil
}

func (f *fakeBroker) Subjects() events.Subjects { return f.subjects }

// deliver pushes a task to the bridge's subscription handler, like a bus
// delivery would.
func (f *fakeBroker) deliver(t *testing.T, agent string, task *v1.Task) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[f.subjects.Task(agent)]
	f.mu.Unlock()
	require.NotNil(t, handler, "bridge has not subscribed to its task subject")
	require.NoError(t, handler(context.Background(), bus.NewMessage(bus.MessageTypeTask, "test", events.EncodeTask(task))))
}

func (f *fakeBroker) statusList() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]statusUpdate, len(f.statuses))
	copy(out, f.statuses)
	return out
}

func setupBridge(t *testing.T, adapter session.Adapter) (*Bridge, *fakeBroker) {
	t.Helper()
	fb := newFakeBroker()
	br, err := New(Config{
		Agent:   "agent-1",
		Session: "sess-1",
		Bridge: config.BridgeConfig{
			CapturePollMs: 5,
			StableSamples: 3,
			InterLineMs:   1,
		},
		Task: config.TaskConfig{
			Timeout: config.TimeoutConfig{DefaultSeconds: 2},
			Retry:   config.RetryConfig{MaxAttempts: 1, BackoffBaseSeconds: 1, BackoffCapSeconds: 1},
		},
	}, adapter, fb, newTestLogger())
	require.NoError(t, err)
	return br, fb
}

func waitResult(t *testing.T, fb *fakeBroker) publishedResult {
	t.Helper()
	select {
	case r := <-fb.resultCh:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a published result")
		return publishedResult{}
	}
}

func TestBridgeStartStop(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)
	ctx := context.Background()

	require.NoError(t, br.Start(ctx))
	assert.True(t, br.IsRunning())
	assert.Equal(t, []string{"sess-1"}, adapter.created)

	statuses := fb.statusList()
	require.NotEmpty(t, statuses)
	assert.Equal(t, v1.AgentStateReady, statuses[0].status)

	assert.ErrorIs(t, br.Start(ctx), ErrBridgeAlreadyRunning)

	require.NoError(t, br.Stop(ctx))
	assert.False(t, br.IsRunning())
	statuses = fb.statusList()
	assert.Equal(t, v1.AgentStateStopped, statuses[len(statuses)-1].status)

	assert.ErrorIs(t, br.Stop(ctx), ErrBridgeNotRunning)
}

func TestBridgeStartReusesExistingSession(t *testing.T) {
	adapter := newEchoAdapter()
	require.NoError(t, adapter.CreateSession(context.Background(), "sess-1"))
	adapter.created = nil

	br, _ := setupBridge(t, adapter)
	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	assert.Empty(t, adapter.created, "existing session must not be recreated")
}

func TestBridgeExecutesTask(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("ls", "file-a\nfile-b")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{ID: "t-1", Agent: "agent-1", Command: "ls"})

	res := waitResult(t, fb)
	assert.Equal(t, "t-1", res.taskID)
	assert.True(t, res.success)
	assert.Empty(t, res.errMsg)
	require.NotNil(t, res.result)
	assert.Equal(t, "file-a\nfile-b", res.result.RawOutput)
	assert.Equal(t, []string{"file-a", "file-b"}, res.result.Lines)
	assert.False(t, res.result.HasErrors)

	fb.mu.Lock()
	running := append([]string(nil), fb.running...)
	fb.mu.Unlock()
	assert.Equal(t, []string{"t-1"}, running)

	// The frame goes out as clear, start marker echo, command, end marker echo.
	sent := adapter.sentLines()
	require.GreaterOrEqual(t, len(sent), 4)
	assert.Equal(t, "clear", sent[0])
	assert.Equal(t, `echo "### TASK_START:t-1"`, sent[1])
	assert.Equal(t, "ls", sent[2])
	assert.Equal(t, `echo "### TASK_END:t-1"`, sent[3])

	// Status went busy with the task, then back to ready with last_task_id.
	var sawBusy, sawReady bool
	for _, s := range fb.statusList() {
		if s.status == v1.AgentStateBusy && s.lastTaskID == "t-1" {
			sawBusy = true
		}
		if sawBusy && s.status == v1.AgentStateReady && s.lastTaskID == "t-1" {
			sawReady = true
		}
	}
	assert.True(t, sawBusy, "expected a busy status update carrying the task id")
	assert.True(t, sawReady, "expected a ready status update after completion")
}

func TestBridgeRendersParameters(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("greet world", "hello world")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{
		ID:      "t-render",
		Agent:   "agent-1",
		Command: "greet {name}",
		Params:  map[string]string{"name": "world"},
	})

	res := waitResult(t, fb)
	assert.True(t, res.success)
	assert.Equal(t, "hello world", res.result.RawOutput)
	assert.Equal(t, 1, adapter.sentCount("greet world"))
}

func TestBridgeErrorSignatureFailsTask(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("badcmd", "bash: badcmd: command not found")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{ID: "t-err", Agent: "agent-1", Command: "badcmd"})

	res := waitResult(t, fb)
	assert.False(t, res.success)
	assert.Contains(t, res.errMsg, "error signature matched: command not found")
	require.NotNil(t, res.result)
	assert.True(t, res.result.HasErrors)
	assert.Contains(t, res.result.RawOutput, "command not found")
}

func TestBridgeRetriesUntilExhaustion(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("badcmd", "bash: badcmd: command not found")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{
		ID:         "t-retry",
		Agent:      "agent-1",
		Command:    "badcmd",
		MaxRetries: 2,
	})

	started := time.Now()
	res := waitResult(t, fb)
	assert.False(t, res.success)
	assert.Contains(t, res.errMsg, "error signature matched")

	// Two attempts mean two cleared frames with a backoff sleep between.
	assert.Equal(t, 2, adapter.sentCount("clear"))
	assert.GreaterOrEqual(t, time.Since(started), time.Second)
}

func TestBridgeTimeout(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{
		ID:             "t-hang",
		Agent:          "agent-1",
		Command:        "hang",
		TimeoutSeconds: 1,
	})

	res := waitResult(t, fb)
	assert.False(t, res.success)
	assert.Contains(t, res.errMsg, "timeout after 1s")
}

func TestBridgeCaptureFailureIsTransportError(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	adapter.mu.Lock()
	adapter.captureErr = errors.New("pane gone")
	adapter.mu.Unlock()

	fb.deliver(t, "agent-1", &v1.Task{ID: "t-cap", Agent: "agent-1", Command: "ls"})

	res := waitResult(t, fb)
	assert.False(t, res.success)
	assert.Contains(t, res.errMsg, "failed to capture pane")
	assert.Nil(t, res.result)
}

func TestBridgeDropsDuplicateDeliveries(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("ls", "file-a")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	task := &v1.Task{ID: "t-dup", Agent: "agent-1", Command: "ls"}
	fb.deliver(t, "agent-1", task)
	fb.deliver(t, "agent-1", task)

	res := waitResult(t, fb)
	assert.Equal(t, "t-dup", res.taskID)

	select {
	case extra := <-fb.resultCh:
		t.Fatalf("duplicate delivery produced a second result: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, adapter.sentCount("clear"))
}

func TestBridgeQueuesTasksWhileBusy(t *testing.T) {
	adapter := newEchoAdapter()
	adapter.script("first", "one")
	adapter.script("second", "two")
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{ID: "t-a", Agent: "agent-1", Command: "first"})
	fb.deliver(t, "agent-1", &v1.Task{ID: "t-b", Agent: "agent-1", Command: "second"})

	resA := waitResult(t, fb)
	resB := waitResult(t, fb)
	assert.Equal(t, "t-a", resA.taskID)
	assert.Equal(t, "one", resA.result.RawOutput)
	assert.Equal(t, "t-b", resB.taskID)
	assert.Equal(t, "two", resB.result.RawOutput)
}

func TestBridgeStopCancelsInFlightTask(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))

	fb.deliver(t, "agent-1", &v1.Task{
		ID:             "t-cancel",
		Agent:          "agent-1",
		Command:        "hang",
		TimeoutSeconds: 60,
	})

	// Wait for the task to reach execution before stopping.
	require.Eventually(t, func() bool {
		return br.CurrentTask() == "t-cancel"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, br.Stop(context.Background()))

	res := waitResult(t, fb)
	assert.False(t, res.success)
	assert.Contains(t, res.errMsg, "cancelled")

	statuses := fb.statusList()
	assert.Equal(t, v1.AgentStateStopped, statuses[len(statuses)-1].status)
}

func TestBridgeHeartbeatsWhileBusy(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)
	br.beatEvery = 20 * time.Millisecond

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{
		ID:             "t-beat",
		Agent:          "agent-1",
		Command:        "hang",
		TimeoutSeconds: 1,
	})

	res := waitResult(t, fb)
	assert.False(t, res.success)

	busyBeats := 0
	for _, s := range fb.statusList() {
		if s.status == v1.AgentStateBusy && s.lastTaskID == "t-beat" {
			busyBeats++
		}
	}
	// One busy update at task start, then periodic beats during the wait.
	assert.Greater(t, busyBeats, 2, "expected heartbeat status updates while the task waited")
}

func TestBridgeDropsTaskForOtherAgent(t *testing.T) {
	adapter := newEchoAdapter()
	br, fb := setupBridge(t, adapter)

	require.NoError(t, br.Start(context.Background()))
	defer func() { _ = br.Stop(context.Background()) }()

	fb.deliver(t, "agent-1", &v1.Task{ID: "t-other", Agent: "agent-2", Command: "ls"})

	select {
	case res := <-fb.resultCh:
		t.Fatalf("task for another agent was executed: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, br.QueueDepth())
}

func TestRetryBackoff(t *testing.T) {
	base := 2 * time.Second
	limit := 30 * time.Second

	assert.Equal(t, 2*time.Second, retryBackoff(1, base, limit))
	assert.Equal(t, 4*time.Second, retryBackoff(2, base, limit))
	assert.Equal(t, 8*time.Second, retryBackoff(3, base, limit))
	assert.Equal(t, 16*time.Second, retryBackoff(4, base, limit))
	assert.Equal(t, 30*time.Second, retryBackoff(5, base, limit))
	assert.Equal(t, 30*time.Second, retryBackoff(10, base, limit))
	assert.Equal(t, limit, retryBackoff(1, time.Minute, limit))
}

func TestDedupWindow(t *testing.T) {
	w := newDedupWindow()

	assert.False(t, w.Observe("a", time.Minute))
	assert.True(t, w.Observe("a", time.Minute))
	assert.False(t, w.Observe("b", time.Minute))
	assert.Equal(t, 2, w.Len())

	// Expired entries are forgotten.
	assert.False(t, w.Observe("c", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, w.Observe("c", time.Minute))
}
