// Package recovery restores runtime invariants after a crash or restart:
// terminal sessions exist, bridges run, and work that went stale while the
// process was down is re-driven.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/session"
	taskrepo "github.com/kandev/agentmux/internal/task/repository"
	wfmodels "github.com/kandev/agentmux/internal/workflow/models"
	wfrepo "github.com/kandev/agentmux/internal/workflow/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Broker is the dispatch slice of the broker recovery re-publishes through.
type Broker interface {
	PublishTask(ctx context.Context, agent string, task *v1.Task) (string, error)
	BroadcastEvent(ctx context.Context, topic string, payload map[string]interface{}) error
}

// BridgeManager is the bridge lifecycle slice recovery drives.
type BridgeManager interface {
	Running(agent string) bool
	Restart(ctx context.Context, agent string) error
}

// WorkflowEngine fails and restarts stale executions.
type WorkflowEngine interface {
	Execute(ctx context.Context, workflowID string, inputs map[string]interface{}) (string, error)
	FailExecution(ctx context.Context, executionID, reason string) error
}

// Coordinator runs the recovery sequence and health checks.
type Coordinator struct {
	registry *registry.Registry
	adapter  session.Adapter
	bus      bus.Bus
	bridges  BridgeManager
	broker   Broker
	store    taskrepo.Repository
	engine   WorkflowEngine
	wfRepo   wfrepo.Repository
	cfg      config.RecoveryConfig
	logger   *logger.Logger
}

// NewCoordinator creates a recovery coordinator.
func NewCoordinator(
	reg *registry.Registry,
	adapter session.Adapter,
	eventBus bus.Bus,
	bridges BridgeManager,
	brk Broker,
	store taskrepo.Repository,
	eng WorkflowEngine,
	wfRepo wfrepo.Repository,
	cfg config.RecoveryConfig,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		registry: reg,
		adapter:  adapter,
		bus:      eventBus,
		bridges:  bridges,
		broker:   brk,
		store:    store,
		engine:   eng,
		wfRepo:   wfRepo,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "recovery")),
	}
}

// Recover runs the full sequence: sessions, bus, bridges, stale tasks,
// stale executions. A failing step does not stop the steps after it; the
// errors come back joined.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.logger.Info("Recovery started")
	c.broadcast(ctx, events.RecoveryStarted, map[string]interface{}{"mode": "full"})

	var errs []error
	if err := c.RecoverSessions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if !c.bus.IsConnected() {
		errs = append(errs, errors.New("message bus is not connected"))
	}
	if err := c.RecoverBridges(ctx); err != nil {
		errs = append(errs, fmt.Errorf("bridges: %w", err))
	}
	if err := c.RequeueStaleTasks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stale tasks: %w", err))
	}
	if err := c.RestartStaleExecutions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stale executions: %w", err))
	}

	c.broadcast(ctx, events.RecoveryCompleted, map[string]interface{}{
		"mode":   "full",
		"errors": len(errs),
	})
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("Recovery completed")
	return nil
}

// RecoverSessions ensures every enabled agent's terminal session exists,
// creating missing ones. Sessions are checked in parallel.
func (c *Coordinator) RecoverSessions(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range c.sessionNames() {
		name := name
		g.Go(func() error {
			exists, err := c.adapter.SessionExists(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to check session %s: %w", name, err)
			}
			if exists {
				return nil
			}
			if err := c.adapter.CreateSession(ctx, name); err != nil {
				return fmt.Errorf("failed to create session %s: %w", name, err)
			}
			c.logger.Info("Recreated missing session", zap.String("session", name))
			return nil
		})
	}
	return g.Wait()
}

// RecoverBridges restarts every enabled agent whose bridge is not running.
func (c *Coordinator) RecoverBridges(ctx context.Context) error {
	var errs []error
	for _, def := range c.enabledAgents() {
		if c.bridges.Running(def.ID) {
			continue
		}
		if err := c.bridges.Restart(ctx, def.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to restart bridge for %s: %w", def.ID, err))
			continue
		}
		c.logger.Info("Restarted bridge", zap.String("agent", def.ID))
	}
	return errors.Join(errs...)
}

// RequeueStaleTasks closes pending and running tasks older than the
// staleness threshold and publishes a fresh task for each. The successor
// carries the original task id; the original row is closed as retried.
// Running tasks get the same treatment: the bridge that was driving them is
// gone, so the row cannot complete on its own.
func (c *Coordinator) RequeueStaleTasks(ctx context.Context) error {
	cutoff := time.Now().Add(-c.staleTaskAge())

	var stale []*v1.Task
	for _, state := range []v1.TaskState{v1.TaskStatePending, v1.TaskStateRunning} {
		tasks, err := c.store.GetStaleTasks(ctx, state, cutoff)
		if err != nil {
			return fmt.Errorf("failed to list stale %s tasks: %w", state, err)
		}
		stale = append(stale, tasks...)
	}

	var errs []error
	for _, orig := range stale {
		if !c.registry.Exists(orig.Agent) {
			c.logger.Warn("Stale task belongs to an unknown agent; leaving it",
				zap.String("task_id", orig.ID),
				zap.String("agent", orig.Agent))
			continue
		}
		successor := &v1.Task{
			Command:        orig.Command,
			Params:         orig.Params,
			Priority:       orig.Priority,
			TimeoutSeconds: orig.TimeoutSeconds,
			MaxRetries:     orig.MaxRetries,
			CorrelationID:  orig.CorrelationID,
			OriginalTaskID: orig.ID,
		}
		newID, err := c.broker.PublishTask(ctx, orig.Agent, successor)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to re-publish task %s: %w", orig.ID, err))
			continue
		}
		note := fmt.Sprintf("superseded by task %s after staleness recovery", newID)
		if err := c.store.UpdateTaskStatus(ctx, orig.ID, v1.TaskStateRetried, nil, note); err != nil {
			errs = append(errs, fmt.Errorf("failed to close task %s as retried: %w", orig.ID, err))
			continue
		}
		c.broadcast(ctx, events.TaskRequeued, map[string]interface{}{
			"task_id":          newID,
			"original_task_id": orig.ID,
			"agent":            orig.Agent,
		})
		c.logger.Info("Re-published stale task",
			zap.String("task_id", orig.ID),
			zap.String("new_task_id", newID),
			zap.String("agent", orig.Agent))
	}
	return errors.Join(errs...)
}

// RestartStaleExecutions fails executions that have run past the staleness
// threshold and starts a fresh execution of the same workflow with the
// original inputs.
func (c *Coordinator) RestartStaleExecutions(ctx context.Context) error {
	cutoff := time.Now().Add(-c.staleExecutionAge())
	execs, err := c.wfRepo.ListIncompleteExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list incomplete executions: %w", err)
	}

	var errs []error
	for _, exec := range execs {
		if !exec.StartedAt.Before(cutoff) {
			continue
		}
		if err := c.engine.FailExecution(ctx, exec.ID, "timeout"); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stale execution %s: %w", exec.ID, err))
			continue
		}
		newID, err := c.engine.Execute(ctx, exec.WorkflowID, c.executionInputs(ctx, exec))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to restart workflow %s: %w", exec.WorkflowID, err))
			continue
		}
		c.logger.Info("Restarted stale execution",
			zap.String("execution_id", exec.ID),
			zap.String("new_execution_id", newID),
			zap.String("workflow_id", exec.WorkflowID))
	}
	return errors.Join(errs...)
}

// HealthCheck inspects everything recovery watches over without mutating
// anything.
func (c *Coordinator) HealthCheck(ctx context.Context) *v1.HealthReport {
	report := &v1.HealthReport{
		BusConnected: c.bus.IsConnected(),
		Sessions:     make(map[string]bool),
		Bridges:      make(map[string]bool),
		CheckedAt:    time.Now().UTC(),
	}

	for _, name := range c.sessionNames() {
		exists, err := c.adapter.SessionExists(ctx, name)
		report.Sessions[name] = err == nil && exists
	}
	for _, def := range c.enabledAgents() {
		report.Bridges[def.ID] = c.bridges.Running(def.ID)
	}

	report.StoreReachable = true
	cutoff := time.Now().Add(-c.staleTaskAge())
	for _, state := range []v1.TaskState{v1.TaskStatePending, v1.TaskStateRunning} {
		tasks, err := c.store.GetStaleTasks(ctx, state, cutoff)
		if err != nil {
			report.StoreReachable = false
			break
		}
		report.StaleTasks += len(tasks)
	}

	execCutoff := time.Now().Add(-c.staleExecutionAge())
	if execs, err := c.wfRepo.ListIncompleteExecutions(ctx); err == nil {
		for _, exec := range execs {
			if exec.StartedAt.Before(execCutoff) {
				report.StaleExecutions++
			}
		}
	}

	healthy := report.BusConnected && report.StoreReachable &&
		report.StaleTasks == 0 && report.StaleExecutions == 0
	for _, ok := range report.Sessions {
		healthy = healthy && ok
	}
	for _, ok := range report.Bridges {
		healthy = healthy && ok
	}
	report.Healthy = healthy
	return report
}

// AutoRecover runs only the recovery steps whose health check failed. A
// disconnected bus cannot be repaired from here (the NATS client reconnects
// on its own) so it is reported, not acted on.
func (c *Coordinator) AutoRecover(ctx context.Context) error {
	report := c.HealthCheck(ctx)
	if report.Healthy {
		c.logger.Debug("Health check clean; nothing to recover")
		return nil
	}
	c.broadcast(ctx, events.RecoveryStarted, map[string]interface{}{"mode": "auto"})

	var errs []error
	if anyFalse(report.Sessions) {
		if err := c.RecoverSessions(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if !report.BusConnected {
		errs = append(errs, errors.New("message bus is not connected"))
	}
	if anyFalse(report.Bridges) {
		if err := c.RecoverBridges(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridges: %w", err))
		}
	}
	if report.StaleTasks > 0 {
		if err := c.RequeueStaleTasks(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stale tasks: %w", err))
		}
	}
	if report.StaleExecutions > 0 {
		if err := c.RestartStaleExecutions(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stale executions: %w", err))
		}
	}

	c.broadcast(ctx, events.RecoveryCompleted, map[string]interface{}{
		"mode":   "auto",
		"errors": len(errs),
	})
	return errors.Join(errs...)
}

func (c *Coordinator) staleTaskAge() time.Duration {
	if d := c.cfg.StaleTaskAge(); d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (c *Coordinator) staleExecutionAge() time.Duration {
	if d := c.cfg.StaleExecutionAge(); d > 0 {
		return d
	}
	return 10 * time.Minute
}

// sessionNames returns the distinct session names of enabled agents, sorted.
func (c *Coordinator) sessionNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range c.registry.ListEnabled() {
		name := def.SessionName()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) enabledAgents() []*registry.Definition {
	defs := c.registry.ListEnabled()
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// executionInputs recovers the caller's original inputs from an execution
// context by dropping the keys that are step outputs.
func (c *Coordinator) executionInputs(ctx context.Context, exec *wfmodels.Execution) map[string]interface{} {
	if len(exec.Context) == 0 {
		return nil
	}
	inputs := make(map[string]interface{}, len(exec.Context))
	for k, v := range exec.Context {
		inputs[k] = v
	}
	def, err := c.wfRepo.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return inputs
	}
	for _, step := range def.Steps {
		delete(inputs, step.ID)
	}
	return inputs
}

func (c *Coordinator) broadcast(ctx context.Context, topic string, payload map[string]interface{}) {
	if err := c.broker.BroadcastEvent(ctx, topic, payload); err != nil {
		c.logger.Debug("Event broadcast failed",
			zap.String("topic", topic), zap.Error(err))
	}
}

func anyFalse(m map[string]bool) bool {
	for _, ok := range m {
		if !ok {
			return true
		}
	}
	return false
}
