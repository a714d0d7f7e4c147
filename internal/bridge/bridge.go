// Package bridge connects one agent's terminal session to the task bus.
//
// A bridge subscribes to its agent's task subject, frames each command with
// start and end marker lines, types it into the session, and watches the
// visible pane until the end marker appears, an error signature shows up,
// or the deadline passes. Output between the markers becomes the task
// result. Everything rests on pane text, which is heuristic; retries and
// the recovery coordinator pick up what detection misses.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/appctx"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/orchestrator/queue"
	"github.com/kandev/agentmux/internal/session"
	"github.com/kandev/agentmux/internal/tracing"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Common errors
var (
	ErrBridgeAlreadyRunning = errors.New("bridge is already running")
	ErrBridgeNotRunning     = errors.New("bridge is not running")
)

// clearCommand is sent before each frame to reduce pane noise.
const clearCommand = "clear"

// finishTimeout bounds the result publish and status write after a task
// ends, which must not inherit an already-cancelled task context.
const finishTimeout = 10 * time.Second

// heartbeatInterval is how often a busy status update goes out while a task
// is waiting on its session, so heartbeat monitoring never expires an agent
// that is merely mid-task.
const heartbeatInterval = 30 * time.Second

// Broker is the slice of the orchestrator broker the bridge needs.
type Broker interface {
	MarkTaskRunning(ctx context.Context, taskID string) error
	PublishResult(ctx context.Context, taskID string, result *v1.TaskResult, success bool, errMsg string) error
	UpdateAgentStatus(ctx context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error
	Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error)
	Subjects() events.Subjects
}

// Config holds one bridge's identity and tuning.
type Config struct {
	Agent   string
	Session string
	Bridge  config.BridgeConfig
	Task    config.TaskConfig
}

// Bridge executes tasks for a single agent. It owns the agent's session
// name 1:1; nothing else writes to that session while the bridge runs.
type Bridge struct {
	agent   string
	session string

	adapter session.Adapter
	broker  Broker
	parser  *Parser
	logger  *logger.Logger

	bridgeCfg config.BridgeConfig
	taskCfg   config.TaskConfig
	beatEvery time.Duration

	queue *queue.TaskQueue
	seen  *dedupWindow

	mu      sync.RWMutex
	running bool
	current string
	sub     bus.Subscription
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a bridge for one agent. Zero tuning values fall back to the
// documented defaults.
func New(cfg Config, adapter session.Adapter, brk Broker, log *logger.Logger) (*Bridge, error) {
	if cfg.Agent == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Session == "" {
		cfg.Session = cfg.Agent
	}
	if cfg.Bridge.CapturePollMs <= 0 {
		cfg.Bridge.CapturePollMs = 500
	}
	if cfg.Bridge.StableSamples < 1 {
		cfg.Bridge.StableSamples = 3
	}
	if cfg.Bridge.InterLineMs < 0 {
		cfg.Bridge.InterLineMs = 200
	}
	if cfg.Bridge.PromptRegex == "" {
		cfg.Bridge.PromptRegex = config.DefaultPromptRegex
	}
	if cfg.Bridge.ErrorSignatures == nil {
		cfg.Bridge.ErrorSignatures = config.DefaultErrorSignatures
	}
	if cfg.Task.Timeout.DefaultSeconds <= 0 {
		cfg.Task.Timeout.DefaultSeconds = 300
	}
	if cfg.Task.Retry.MaxAttempts <= 0 {
		cfg.Task.Retry.MaxAttempts = 3
	}
	if cfg.Task.Retry.BackoffBaseSeconds <= 0 {
		cfg.Task.Retry.BackoffBaseSeconds = 2
	}
	if cfg.Task.Retry.BackoffCapSeconds <= 0 {
		cfg.Task.Retry.BackoffCapSeconds = 30
	}

	parser, err := NewParser(cfg.Bridge.PromptRegex, cfg.Bridge.ErrorSignatures)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge configuration: %w", err)
	}

	return &Bridge{
		agent:     cfg.Agent,
		session:   cfg.Session,
		adapter:   adapter,
		broker:    brk,
		parser:    parser,
		logger:    log.WithFields(zap.String("component", "bridge"), zap.String("agent", cfg.Agent)),
		bridgeCfg: cfg.Bridge,
		taskCfg:   cfg.Task,
		beatEvery: heartbeatInterval,
		queue:     queue.NewTaskQueue(0),
		seen:      newDedupWindow(),
	}, nil
}

// Agent returns the agent id this bridge serves.
func (b *Bridge) Agent() string { return b.agent }

// Session returns the terminal session name this bridge owns.
func (b *Bridge) Session() string { return b.session }

// Start ensures the agent's session exists, marks the agent ready and
// subscribes to its task subject. The run loop drains the internal queue
// until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrBridgeAlreadyRunning
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.wakeCh = make(chan struct{}, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.ensureSession(ctx); err != nil {
		b.abortStart()
		return err
	}

	if err := b.broker.UpdateAgentStatus(ctx, b.agent, v1.AgentStateReady, "", nil); err != nil {
		b.logger.Warn("Failed to set agent ready", zap.Error(err))
	}

	sub, err := b.broker.Subscribe(b.broker.Subjects().Task(b.agent), b.handleTaskMessage)
	if err != nil {
		b.abortStart()
		return fmt.Errorf("failed to subscribe to tasks for %s: %w", b.agent, err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(runCtx)

	b.logger.Info("Bridge started", zap.String("session", b.session))
	return nil
}

// Stop unsubscribes, cancels the in-flight task if any, waits for the run
// loop and marks the agent stopped.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrBridgeNotRunning
	}
	b.running = false
	close(b.stopCh)
	sub := b.sub
	b.sub = nil
	cancel := b.cancel
	b.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	cancel()
	b.wg.Wait()

	if err := b.broker.UpdateAgentStatus(ctx, b.agent, v1.AgentStateStopped, "", nil); err != nil {
		b.logger.Warn("Failed to set agent stopped", zap.Error(err))
	}
	b.logger.Info("Bridge stopped")
	return nil
}

// IsRunning reports whether the run loop is active.
func (b *Bridge) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// CurrentTask returns the id of the task being executed, if any.
func (b *Bridge) CurrentTask() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// QueueDepth returns the number of tasks waiting in the internal queue.
func (b *Bridge) QueueDepth() int {
	return b.queue.Len()
}

func (b *Bridge) abortStart() {
	b.mu.Lock()
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bridge) ensureSession(ctx context.Context) error {
	exists, err := b.adapter.SessionExists(ctx, b.session)
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", b.session, err)
	}
	if exists {
		return nil
	}
	if err := b.adapter.CreateSession(ctx, b.session); err != nil {
		return fmt.Errorf("failed to create session %s: %w", b.session, err)
	}
	b.logger.Info("Session created", zap.String("session", b.session))
	return nil
}

// handleTaskMessage enqueues a task delivery after dedup. Returning nil for
// malformed or duplicate messages keeps the bus from redelivering them.
func (b *Bridge) handleTaskMessage(ctx context.Context, msg *bus.Message) error {
	task, err := events.DecodeTask(msg.Payload)
	if err != nil {
		b.logger.Warn("Dropping malformed task message",
			zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if task.Agent != "" && task.Agent != b.agent {
		b.logger.Warn("Dropping task addressed to another agent",
			zap.String("task_id", task.ID), zap.String("target", task.Agent))
		return nil
	}

	ttl := b.taskTimeout(task) + b.taskCfg.Retry.BackoffCap()
	if b.seen.Observe(task.ID, ttl) {
		b.logger.Debug("Dropping duplicate task delivery", zap.String("task_id", task.ID))
		return nil
	}

	if err := b.queue.Enqueue(task); err != nil {
		if errors.Is(err, queue.ErrTaskExists) {
			return nil
		}
		b.logger.Error("Failed to enqueue task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}

	b.logger.Debug("Task queued",
		zap.String("task_id", task.ID),
		zap.String("priority", string(task.Priority)),
		zap.Int("queue_depth", b.queue.Len()))
	b.wake()
	return nil
}

func (b *Bridge) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-b.wakeCh:
		}
		b.drainQueue(ctx)
	}
}

func (b *Bridge) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		queued := b.queue.Dequeue()
		if queued == nil {
			return
		}
		b.executeTask(ctx, queued.Task)
	}
}

// executeTask runs a task through the retry policy until success, retry
// exhaustion or cancellation, then publishes the final result.
func (b *Bridge) executeTask(ctx context.Context, task *v1.Task) {
	timeout := b.taskTimeout(task)
	maxAttempts := task.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = b.taskCfg.Retry.MaxAttempts
	}

	b.setCurrent(task.ID)
	defer b.setCurrent("")

	if err := b.broker.UpdateAgentStatus(ctx, b.agent, v1.AgentStateBusy, task.ID, nil); err != nil {
		b.logger.Warn("Failed to set agent busy", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := b.broker.MarkTaskRunning(ctx, task.ID); err != nil {
		b.logger.Warn("Failed to mark task running; executing anyway",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	command := RenderCommand(task.Command, task.Params, func(name string) {
		b.logger.Warn("Unknown parameter placeholder left intact",
			zap.String("task_id", task.ID), zap.String("placeholder", name))
	})

	var lastResult *v1.TaskResult
	var lastErrMsg string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, span := tracing.TraceTaskExecute(ctx, task.ID, b.agent, attempt)
		result, failMsg, err := b.runAttempt(attemptCtx, task.ID, command, timeout)

		switch {
		case err != nil && ctx.Err() != nil:
			tracing.TraceTaskOutcome(span, string(v1.TaskStateCancelled), err)
			span.End()
			b.finishTask(ctx, task.ID, lastResult, false, "cancelled: "+err.Error())
			return
		case err != nil:
			tracing.TraceTaskOutcome(span, string(v1.TaskStateFailed), err)
			span.End()
			lastResult, lastErrMsg = nil, err.Error()
		case failMsg != "":
			tracing.TraceTaskOutcome(span, string(v1.TaskStateFailed), errors.New(failMsg))
			span.End()
			lastResult, lastErrMsg = result, failMsg
		default:
			tracing.TraceTaskOutcome(span, string(v1.TaskStateCompleted), nil)
			span.End()
			b.finishTask(ctx, task.ID, result, true, "")
			return
		}

		if attempt == maxAttempts {
			break
		}

		backoff := retryBackoff(attempt, b.taskCfg.Retry.BackoffBase(), b.taskCfg.Retry.BackoffCap())
		b.logger.Info("Retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", backoff),
			zap.String("reason", lastErrMsg))
		select {
		case <-ctx.Done():
			b.finishTask(ctx, task.ID, lastResult, false, "cancelled: "+ctx.Err().Error())
			return
		case <-time.After(backoff):
		}
	}

	b.logger.Warn("Task failed after exhausting retries",
		zap.String("task_id", task.ID),
		zap.Int("attempts", maxAttempts),
		zap.String("error", lastErrMsg))
	b.finishTask(ctx, task.ID, lastResult, false, lastErrMsg)
}

// runAttempt performs one framed execution. A non-nil error means transport
// trouble (send or capture failed, context cancelled); a non-empty failMsg
// means the attempt ran and failed (signature or timeout).
func (b *Bridge) runAttempt(ctx context.Context, taskID, command string, timeout time.Duration) (result *v1.TaskResult, failMsg string, err error) {
	frame := []string{
		fmt.Sprintf("echo %q", StartMarker(taskID)),
		command,
		fmt.Sprintf("echo %q", EndMarker(taskID)),
	}

	if err := b.adapter.SendCommand(ctx, b.session, clearCommand); err != nil {
		return nil, "", fmt.Errorf("failed to clear session: %w", err)
	}
	if err := sleepCtx(ctx, b.bridgeCfg.CapturePoll()); err != nil {
		return nil, "", err
	}

	for i, line := range frame {
		if i > 0 {
			if err := sleepCtx(ctx, b.bridgeCfg.InterLine()); err != nil {
				return nil, "", err
			}
		}
		if err := b.adapter.SendCommand(ctx, b.session, line); err != nil {
			return nil, "", fmt.Errorf("failed to send command line: %w", err)
		}
	}

	pane, outcome, signature, err := b.waitForCompletion(ctx, taskID, timeout)
	if err != nil {
		return nil, "", err
	}

	switch outcome {
	case waitCompleted:
		return b.parser.Parse(pane, taskID, true), "", nil
	case waitErrorSignature:
		return b.parser.Parse(pane, taskID, false), fmt.Sprintf("error signature matched: %s", signature), nil
	default:
		return b.parser.Parse(pane, taskID, false), fmt.Sprintf("timeout after %s", timeout), nil
	}
}

type waitOutcome int

const (
	waitCompleted waitOutcome = iota
	waitErrorSignature
	waitTimeout
)

// waitForCompletion polls the pane until the end marker appears, an error
// signature matches, or the deadline passes.
//
// The primary success condition is the end marker anchored on its own line;
// on match one more poll interval passes so trailing output can flush, then
// a fresh capture becomes the authoritative pane. The secondary condition
// tolerates capture jitter: output unchanged across the configured number of
// samples with the marker present as a plain substring. Error signatures
// win over a marker seen in the same capture.
func (b *Bridge) waitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (string, waitOutcome, string, error) {
	ctx, span := tracing.TraceCaptureWait(ctx, taskID, b.agent)
	defer span.End()

	endMarker := EndMarker(taskID)
	deadline := time.Now().Add(timeout)
	poll := b.bridgeCfg.CapturePoll()

	var last string
	stable := 0
	polls := 0
	lastBeat := time.Now()

	for {
		if err := sleepCtx(ctx, poll); err != nil {
			tracing.TraceWaitOutcome(span, "cancelled", polls, err)
			return last, 0, "", err
		}
		if time.Now().After(deadline) {
			tracing.TraceWaitOutcome(span, "timeout", polls, nil)
			return last, waitTimeout, "", nil
		}
		if time.Since(lastBeat) >= b.beatEvery {
			if err := b.broker.UpdateAgentStatus(ctx, b.agent, v1.AgentStateBusy, taskID, nil); err != nil {
				b.logger.Warn("Heartbeat status update failed", zap.Error(err))
			}
			lastBeat = time.Now()
		}

		pane, err := b.adapter.CapturePane(ctx, b.session)
		if err != nil {
			tracing.TraceWaitOutcome(span, "capture_failed", polls, err)
			return last, 0, "", fmt.Errorf("failed to capture pane: %w", err)
		}
		polls++

		if sig := b.parser.ErrorSignature(pane); sig != "" {
			tracing.TraceWaitOutcome(span, "error_signature", polls, nil)
			return pane, waitErrorSignature, sig, nil
		}

		if b.parser.HasMarkerLine(pane, endMarker) {
			if err := sleepCtx(ctx, poll); err != nil {
				tracing.TraceWaitOutcome(span, "cancelled", polls, err)
				return pane, 0, "", err
			}
			if final, err := b.adapter.CapturePane(ctx, b.session); err == nil {
				pane = final
			}
			tracing.TraceWaitOutcome(span, "marker", polls, nil)
			return pane, waitCompleted, "", nil
		}

		if pane == last {
			stable++
			if stable >= b.bridgeCfg.StableSamples && strings.Contains(pane, endMarker) {
				tracing.TraceWaitOutcome(span, "stable", polls, nil)
				return pane, waitCompleted, "", nil
			}
		} else {
			stable = 0
			last = pane
		}
	}
}

// finishTask publishes the final result and returns the agent to ready.
// It runs detached from the task context, which may already be cancelled;
// the result must still go out.
func (b *Bridge) finishTask(ctx context.Context, taskID string, result *v1.TaskResult, success bool, errMsg string) {
	ctx, cancel := appctx.Detached(ctx, finishTimeout)
	defer cancel()

	if err := b.broker.PublishResult(ctx, taskID, result, success, errMsg); err != nil {
		b.logger.Error("Failed to publish task result",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if err := b.broker.UpdateAgentStatus(ctx, b.agent, v1.AgentStateReady, taskID, nil); err != nil {
		b.logger.Warn("Failed to set agent ready", zap.Error(err))
	}
}

func (b *Bridge) setCurrent(taskID string) {
	b.mu.Lock()
	b.current = taskID
	b.mu.Unlock()
}

func (b *Bridge) taskTimeout(task *v1.Task) time.Duration {
	if task.TimeoutSeconds > 0 {
		return time.Duration(task.TimeoutSeconds) * time.Second
	}
	return b.taskCfg.DefaultTimeout()
}

// retryBackoff doubles from base per attempt and clamps at limit.
func retryBackoff(attempt int, base, limit time.Duration) time.Duration {
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
