// Package engine executes workflow DAGs. Each ready step becomes one task
// published through the broker; the engine consumes task results, records
// step outcomes and dispatches whatever the completed step unblocked. It
// owns no long-lived goroutine: all scheduling happens inside Execute and
// the results subscription callback.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/common/stringutil"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/tracing"
	"github.com/kandev/agentmux/internal/workflow/models"
	"github.com/kandev/agentmux/internal/workflow/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Broker is the slice of the orchestrator broker the engine needs.
type Broker interface {
	PublishTask(ctx context.Context, agent string, task *v1.Task) (string, error)
	BroadcastEvent(ctx context.Context, topic string, payload map[string]interface{}) error
	Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error)
	Subjects() events.Subjects
}

// stepRef locates the step a task was dispatched for.
type stepRef struct {
	executionID string
	stepID      string
}

// execState is the in-memory side of one live execution: its definition,
// the mutex serializing all writes to it, and the open trace spans.
// Executions the process did not start (or finished) have no state; their
// reconciliation belongs to the recovery coordinator.
type execState struct {
	mu        sync.Mutex
	def       *models.Definition
	traceCtx  context.Context
	span      trace.Span
	stepSpans map[string]trace.Span
}

// Engine schedules workflow executions over the broker and repository.
type Engine struct {
	repo   repository.Repository
	broker Broker
	logger *logger.Logger

	mu      sync.Mutex
	started bool
	sub     bus.Subscription
	states  map[string]*execState
	tasks   map[string]stepRef
}

// New creates a workflow engine.
func New(repo repository.Repository, brk Broker, log *logger.Logger) *Engine {
	return &Engine{
		repo:   repo,
		broker: brk,
		logger: log.WithFields(zap.String("component", "workflow-engine")),
		states: make(map[string]*execState),
		tasks:  make(map[string]stepRef),
	}
}

// Start subscribes the engine to all task results. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	sub, err := e.broker.Subscribe(e.broker.Subjects().ResultWildcard(), e.handleResultMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	e.sub = sub
	e.started = true
	e.logger.Info("Workflow engine started")
	return nil
}

// Stop unsubscribes from results. Executions left in flight are picked up
// by the recovery coordinator once they turn stale.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	e.logger.Info("Workflow engine stopped")
	return nil
}

// DefineWorkflow validates and persists a workflow definition. Step ids
// must be unique, every dependency must resolve and the graph must be
// acyclic; invalid definitions fail synchronously and are never stored.
func (e *Engine) DefineWorkflow(ctx context.Context, def *models.Definition) (string, error) {
	if def == nil {
		return "", fmt.Errorf("workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return "", fmt.Errorf("invalid workflow: %w", err)
	}
	if err := detectCycle(def.Steps); err != nil {
		return "", fmt.Errorf("invalid workflow: %w", err)
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := e.repo.SaveWorkflow(ctx, def); err != nil {
		return "", fmt.Errorf("failed to persist workflow: %w", err)
	}
	e.logger.Info("Workflow defined",
		zap.String("workflow_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("steps", len(def.Steps)))
	return def.ID, nil
}

// Execute starts a run of a stored workflow. The execution context starts
// as the caller's inputs and accumulates step outputs under their step
// ids. The returned execution id is live immediately; callers poll status
// or subscribe to workflow events.
func (e *Engine) Execute(ctx context.Context, workflowID string, inputs map[string]interface{}) (string, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return "", fmt.Errorf("workflow engine is not started")
	}

	def, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	execCtx := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		execCtx[k] = v
	}

	now := time.Now().UTC()
	exec := &models.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     v1.ExecutionStateRunning,
		Context:    execCtx,
		StartedAt:  now,
	}

	if len(def.Steps) == 0 {
		exec.Status = v1.ExecutionStateCompleted
		exec.CompletedAt = &now
		if err := e.repo.SaveExecution(ctx, exec); err != nil {
			return "", fmt.Errorf("failed to persist execution: %w", err)
		}
		e.broadcast(ctx, events.WorkflowCompleted, map[string]interface{}{
			"execution_id": exec.ID,
			"workflow_id":  workflowID,
		})
		e.logger.Info("Empty workflow completed",
			zap.String("execution_id", exec.ID),
			zap.String("workflow_id", workflowID))
		return exec.ID, nil
	}

	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to persist execution: %w", err)
	}
	for i := range def.Steps {
		stepDef := &def.Steps[i]
		rec := &models.StepRecord{
			ExecutionID: exec.ID,
			StepID:      stepDef.ID,
			Name:        stepDef.Name,
			Agent:       stepDef.Agent,
			Action:      stepDef.Action,
			Position:    i,
			Status:      v1.StepStatePending,
		}
		if err := e.repo.SaveStep(ctx, rec); err != nil {
			return "", fmt.Errorf("failed to persist step %s: %w", stepDef.ID, err)
		}
	}

	// The trace context is detached from the caller: the execution outlives
	// this call.
	traceCtx, span := tracing.TraceExecutionStart(context.Background(), exec.ID, workflowID, len(def.Steps))
	st := &execState{
		def:       def,
		traceCtx:  traceCtx,
		span:      span,
		stepSpans: make(map[string]trace.Span),
	}
	e.mu.Lock()
	e.states[exec.ID] = st
	e.mu.Unlock()

	e.broadcast(ctx, events.WorkflowStarted, map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  workflowID,
	})
	e.logger.Info("Workflow execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", workflowID),
		zap.Int("steps", len(def.Steps)))

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.advance(ctx, st, exec); err != nil {
		return exec.ID, err
	}
	return exec.ID, nil
}

// GetExecutionStatus reports the durable state of an execution with its
// steps in definition order.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*v1.ExecutionStatusResponse, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.repo.GetSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}

	startedAt := exec.StartedAt
	resp := &v1.ExecutionStatusResponse{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		State:       exec.Status,
		Error:       exec.Error,
		StartedAt:   &startedAt,
		CompletedAt: exec.CompletedAt,
		Steps:       make([]v1.StepStatus, 0, len(steps)),
	}
	for _, rec := range steps {
		resp.Steps = append(resp.Steps, rec.ToStepStatus())
	}
	return resp, nil
}

// Cancel marks every unfinished step skipped and the execution cancelled.
// Results still in flight for its tasks are dropped when they arrive.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.terminate(ctx, executionID, v1.ExecutionStateCancelled, "")
}

// FailExecution force-fails an execution, skipping its unfinished steps.
// The recovery coordinator uses it for executions past their staleness
// threshold.
func (e *Engine) FailExecution(ctx context.Context, executionID, reason string) error {
	return e.terminate(ctx, executionID, v1.ExecutionStateFailed, reason)
}

func (e *Engine) terminate(ctx context.Context, executionID string, state v1.ExecutionState, reason string) error {
	e.mu.Lock()
	st := e.states[executionID]
	e.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
	}

	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}
	return e.haltExecution(ctx, st, exec, state, reason)
}

// handleResultMessage is the results subscription callback. Results for
// tasks no live execution is waiting on are dropped.
func (e *Engine) handleResultMessage(ctx context.Context, msg *bus.Message) error {
	res, err := events.DecodeResult(msg.Payload)
	if err != nil {
		e.logger.Warn("Dropping malformed result message",
			zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	e.mu.Lock()
	ref, ok := e.tasks[res.TaskID]
	if ok {
		delete(e.tasks, res.TaskID)
	}
	st := e.states[ref.executionID]
	e.mu.Unlock()
	if !ok || st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return e.applyStepResult(ctx, st, ref, res)
}

// applyStepResult records a step outcome and advances or fails the
// execution. Only a step still marked running can take a result, which
// makes redelivered results no-ops.
func (e *Engine) applyStepResult(ctx context.Context, st *execState, ref stepRef, res *events.TaskResultMessage) error {
	exec, err := e.repo.GetExecution(ctx, ref.executionID)
	if err != nil {
		return err
	}
	steps, err := e.repo.GetSteps(ctx, ref.executionID)
	if err != nil {
		return err
	}
	var rec *models.StepRecord
	for _, s := range steps {
		if s.StepID == ref.stepID {
			rec = s
			break
		}
	}
	if rec == nil || rec.Status != v1.StepStateRunning {
		return nil
	}

	now := time.Now().UTC()
	if !res.Success {
		rec.Status = v1.StepStateFailed
		rec.Result = res.Result
		rec.Error = res.Error
		rec.CompletedAt = &now
		if err := e.repo.UpdateStep(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist step failure: %w", err)
		}
		e.endStepSpan(st, rec.StepID, string(v1.StepStateFailed), fmt.Errorf("%s", res.Error))
		e.broadcast(ctx, events.StepFailed, e.stepEvent(exec, rec))
		e.logger.Warn("Workflow step failed",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", rec.StepID),
			zap.String("error", res.Error))
		if exec.Status.Terminal() {
			return nil
		}
		e.cascadeSkip(ctx, st, exec, steps, rec.StepID, now)
		reason := fmt.Sprintf("step %s failed", rec.StepID)
		if res.Error != "" {
			reason = fmt.Sprintf("step %s failed: %s", rec.StepID, res.Error)
		}
		return e.finishExecution(ctx, st, exec, v1.ExecutionStateFailed, reason)
	}

	rec.Status = v1.StepStateCompleted
	rec.Result = res.Result
	rec.CompletedAt = &now
	if err := e.repo.UpdateStep(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist step result: %w", err)
	}
	e.endStepSpan(st, rec.StepID, string(v1.StepStateCompleted), nil)
	e.broadcast(ctx, events.StepCompleted, e.stepEvent(exec, rec))
	var raw string
	if res.Result != nil {
		raw = res.Result.RawOutput
	}
	e.logger.Info("Workflow step completed",
		zap.String("execution_id", exec.ID),
		zap.String("step_id", rec.StepID),
		zap.String("output_preview", stringutil.Preview(raw, 120)))
	if exec.Status.Terminal() {
		return nil
	}

	// Step output enters the context under the step id, raw output string
	// form, before anything downstream can render against it.
	if exec.Context == nil {
		exec.Context = make(map[string]interface{})
	}
	exec.Context[rec.StepID] = raw
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to persist execution context: %w", err)
	}

	return e.advance(ctx, st, exec)
}

// advance dispatches every ready step, then finishes the execution if
// nothing is pending or running anymore. Callers hold the execution lock.
func (e *Engine) advance(ctx context.Context, st *execState, exec *models.Execution) error {
	steps, err := e.repo.GetSteps(ctx, exec.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.StepRecord, len(steps))
	for _, rec := range steps {
		byID[rec.StepID] = rec
	}

	for i := range st.def.Steps {
		stepDef := &st.def.Steps[i]
		rec := byID[stepDef.ID]
		if rec == nil || rec.Status != v1.StepStatePending {
			continue
		}
		if !prereqsCompleted(stepDef, byID) {
			continue
		}
		if err := e.dispatchStep(ctx, st, exec, stepDef, rec); err != nil {
			rec.Status = v1.StepStateFailed
			rec.Error = err.Error()
			now := time.Now().UTC()
			rec.CompletedAt = &now
			if uerr := e.repo.UpdateStep(ctx, rec); uerr != nil {
				e.logger.Error("Failed to persist step dispatch failure",
					zap.String("execution_id", exec.ID),
					zap.String("step_id", rec.StepID),
					zap.Error(uerr))
			}
			e.broadcast(ctx, events.StepFailed, e.stepEvent(exec, rec))
			e.cascadeSkip(ctx, st, exec, steps, rec.StepID, now)
			return e.finishExecution(ctx, st, exec, v1.ExecutionStateFailed,
				fmt.Sprintf("step %s dispatch failed: %v", rec.StepID, err))
		}
	}

	var open, failed int
	for _, rec := range byID {
		switch rec.Status {
		case v1.StepStatePending, v1.StepStateRunning:
			open++
		case v1.StepStateFailed:
			failed++
		}
	}
	if open > 0 {
		return nil
	}
	if failed > 0 {
		return e.finishExecution(ctx, st, exec, v1.ExecutionStateFailed,
			fmt.Sprintf("%d step(s) failed", failed))
	}
	return e.finishExecution(ctx, st, exec, v1.ExecutionStateCompleted, "")
}

// dispatchStep renders the step action against the execution context and
// publishes it as a task. The task id is registered before the publish so
// a result can never arrive ahead of its mapping.
func (e *Engine) dispatchStep(ctx context.Context, st *execState, exec *models.Execution, stepDef *models.StepDef, rec *models.StepRecord) error {
	command := interpolate(stepDef.Action, exec.Context)
	var params map[string]string
	if len(stepDef.Params) > 0 {
		params = make(map[string]string, len(stepDef.Params))
		for k, v := range stepDef.Params {
			params[k] = interpolate(v, exec.Context)
		}
	}

	task := &v1.Task{
		ID:             uuid.New().String(),
		Command:        command,
		Params:         params,
		TimeoutSeconds: stepDef.TimeoutSeconds,
		MaxRetries:     stepDef.MaxRetries,
		CorrelationID:  exec.ID + "/" + stepDef.ID,
	}

	e.mu.Lock()
	e.tasks[task.ID] = stepRef{executionID: exec.ID, stepID: stepDef.ID}
	e.mu.Unlock()

	if _, err := e.broker.PublishTask(ctx, stepDef.Agent, task); err != nil {
		e.mu.Lock()
		delete(e.tasks, task.ID)
		e.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	rec.Status = v1.StepStateRunning
	rec.TaskID = task.ID
	rec.StartedAt = &now
	if err := e.repo.UpdateStep(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist step dispatch: %w", err)
	}

	_, span := tracing.TraceStepRun(st.traceCtx, exec.ID, stepDef.ID, stepDef.Agent)
	st.stepSpans[stepDef.ID] = span

	e.broadcast(ctx, events.StepStarted, e.stepEvent(exec, rec))
	e.logger.Info("Workflow step dispatched",
		zap.String("execution_id", exec.ID),
		zap.String("step_id", stepDef.ID),
		zap.String("agent", stepDef.Agent),
		zap.String("task_id", task.ID))
	return nil
}

// cascadeSkip marks every pending step that transitively depends on the
// failed step skipped. Pending steps on independent branches are left
// alone; the execution going terminal is what stops them.
func (e *Engine) cascadeSkip(ctx context.Context, st *execState, exec *models.Execution, steps []*models.StepRecord, failedID string, now time.Time) {
	dependents := transitiveDependents(st.def, failedID)
	for _, rec := range steps {
		if rec.Status != v1.StepStatePending || !dependents[rec.StepID] {
			continue
		}
		rec.Status = v1.StepStateSkipped
		rec.CompletedAt = &now
		if err := e.repo.UpdateStep(ctx, rec); err != nil {
			e.logger.Error("Failed to persist step skip",
				zap.String("execution_id", exec.ID),
				zap.String("step_id", rec.StepID),
				zap.Error(err))
			continue
		}
		e.broadcast(ctx, events.StepSkipped, e.stepEvent(exec, rec))
	}
}

// haltExecution skips every unfinished step and closes the execution.
// st may be nil for executions this process holds no live state for.
func (e *Engine) haltExecution(ctx context.Context, st *execState, exec *models.Execution, state v1.ExecutionState, reason string) error {
	steps, err := e.repo.GetSteps(ctx, exec.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range steps {
		if rec.Status != v1.StepStatePending && rec.Status != v1.StepStateRunning {
			continue
		}
		rec.Status = v1.StepStateSkipped
		rec.CompletedAt = &now
		if err := e.repo.UpdateStep(ctx, rec); err != nil {
			e.logger.Error("Failed to persist step skip",
				zap.String("execution_id", exec.ID),
				zap.String("step_id", rec.StepID),
				zap.Error(err))
			continue
		}
		if st != nil {
			e.endStepSpan(st, rec.StepID, string(v1.StepStateSkipped), nil)
		}
	}
	return e.finishExecution(ctx, st, exec, state, reason)
}

// finishExecution writes the terminal state, announces it and releases
// the execution's live state. Task mappings still pointing at it are
// dropped, so late results for its steps are ignored from here on.
func (e *Engine) finishExecution(ctx context.Context, st *execState, exec *models.Execution, state v1.ExecutionState, reason string) error {
	if exec.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	exec.Status = state
	exec.Error = reason
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to persist execution state: %w", err)
	}

	var topic string
	switch state {
	case v1.ExecutionStateCompleted:
		topic = events.WorkflowCompleted
	case v1.ExecutionStateCancelled:
		topic = events.WorkflowCancelled
	default:
		topic = events.WorkflowFailed
	}
	payload := map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
	}
	if reason != "" {
		payload["error"] = reason
	}
	e.broadcast(ctx, topic, payload)

	e.mu.Lock()
	delete(e.states, exec.ID)
	for taskID, ref := range e.tasks {
		if ref.executionID == exec.ID {
			delete(e.tasks, taskID)
		}
	}
	e.mu.Unlock()

	if st != nil {
		for _, span := range st.stepSpans {
			span.End()
		}
		st.stepSpans = make(map[string]trace.Span)
		var traceErr error
		if reason != "" {
			traceErr = fmt.Errorf("%s", reason)
		}
		tracing.TraceExecutionOutcome(st.span, string(state), traceErr)
		st.span.End()
	}

	e.logger.Info("Workflow execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("state", string(state)),
		zap.String("error", reason))
	return nil
}

func (e *Engine) stepEvent(exec *models.Execution, rec *models.StepRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"step_id":      rec.StepID,
		"agent":        rec.Agent,
	}
	if rec.TaskID != "" {
		payload["task_id"] = rec.TaskID
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	return payload
}

func (e *Engine) endStepSpan(st *execState, stepID, state string, err error) {
	span, ok := st.stepSpans[stepID]
	if !ok {
		return
	}
	delete(st.stepSpans, stepID)
	tracing.TraceStepOutcome(span, state, err)
	span.End()
}

func (e *Engine) broadcast(ctx context.Context, topic string, payload map[string]interface{}) {
	if err := e.broker.BroadcastEvent(ctx, topic, payload); err != nil {
		e.logger.Debug("Event broadcast failed",
			zap.String("topic", topic), zap.Error(err))
	}
}

func prereqsCompleted(stepDef *models.StepDef, byID map[string]*models.StepRecord) bool {
	for _, dep := range stepDef.DependsOn {
		rec := byID[dep]
		if rec == nil || rec.Status != v1.StepStateCompleted {
			return false
		}
	}
	return true
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// interpolate substitutes {name} placeholders from the execution context.
// Unknown placeholders stay intact: they may be task parameters the bridge
// resolves at execution time.
func interpolate(template string, context map[string]interface{}) string {
	if len(context) == 0 {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := context[name]
		if !ok {
			return match
		}
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprint(value)
	})
}
