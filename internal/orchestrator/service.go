// Package orchestrator ties the runtime together. It owns the broker over
// bus and store, one bridge per registered agent, the workflow engine, the
// heartbeat watchdog and the recovery coordinator, and it exposes the
// operations upstream callers consume:
//
//   - Task submission and inspection via the broker
//   - Workflow definition and execution via the engine
//   - Health checks and recovery on demand
//
// Components are constructed here and started in dependency order, so a
// caller holds exactly one handle for the whole runtime.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/bridge"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/orchestrator/broker"
	"github.com/kandev/agentmux/internal/orchestrator/watcher"
	"github.com/kandev/agentmux/internal/recovery"
	"github.com/kandev/agentmux/internal/session"
	taskrepo "github.com/kandev/agentmux/internal/task/repository"
	"github.com/kandev/agentmux/internal/watchdog"
	"github.com/kandev/agentmux/internal/workflow/engine"
	wfrepo "github.com/kandev/agentmux/internal/workflow/repository"
	wfservice "github.com/kandev/agentmux/internal/workflow/service"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Service is the orchestrator runtime.
type Service struct {
	cfg      *config.Config
	logger   *logger.Logger
	bus      bus.Bus
	subjects events.Subjects
	adapter  session.Adapter
	registry *registry.Registry
	store    taskrepo.Repository
	wfRepo   wfrepo.Repository

	// Components
	broker    *broker.Broker
	bridges   *bridge.Manager
	engine    *engine.Engine
	workflows *wfservice.Service
	watchdog  *watchdog.Watchdog
	watcher   *watcher.Watcher
	recovery  *recovery.Coordinator

	totalProcessed atomic.Int64
	totalFailed    atomic.Int64

	// Service state
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// Status contains orchestrator status information
type Status struct {
	Running        bool      `json:"running"`
	ActiveAgents   int       `json:"active_agents"`
	QueuedTasks    int       `json:"queued_tasks"`
	TotalProcessed int64     `json:"total_processed"`
	TotalFailed    int64     `json:"total_failed"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// NewService builds the orchestrator over the given infrastructure. Nothing
// is started; call Start.
func NewService(
	cfg *config.Config,
	eventBus bus.Bus,
	subjects events.Subjects,
	adapter session.Adapter,
	reg *registry.Registry,
	taskRepo taskrepo.Repository,
	workflowRepo wfrepo.Repository,
	log *logger.Logger,
) *Service {
	svcLogger := log.WithFields(zap.String("component", "orchestrator"))

	brk := broker.New(eventBus, subjects, taskRepo, log)
	bridges := bridge.NewManager(reg, adapter, brk, cfg, log)
	eng := engine.New(workflowRepo, brk, log)
	workflows := wfservice.NewService(eng, workflowRepo, log)
	wd := watchdog.New(cfg.Watchdog, log)
	rec := recovery.NewCoordinator(reg, adapter, eventBus, bridges, brk, taskRepo, eng, workflowRepo, cfg.Recovery, log)

	s := &Service{
		cfg:       cfg,
		logger:    svcLogger,
		bus:       eventBus,
		subjects:  subjects,
		adapter:   adapter,
		registry:  reg,
		store:     taskRepo,
		wfRepo:    workflowRepo,
		broker:    brk,
		bridges:   bridges,
		engine:    eng,
		workflows: workflows,
		watchdog:  wd,
		recovery:  rec,
	}

	// The watcher feeds bus traffic back into the service: results drive the
	// counters and terminal task events, status updates drive the watchdog.
	handlers := watcher.EventHandlers{
		OnTaskResult:  s.handleTaskResult,
		OnAgentStatus: s.handleAgentStatus,
	}
	s.watcher = watcher.NewWatcher(eventBus, subjects, handlers, taskRepo, "", log)

	return s
}

// Start brings the components up in dependency order: broker, watcher,
// engine, bridges, watchdog, then a recovery pass over whatever state the
// previous process left behind. A failing component unwinds the ones
// already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Starting orchestrator service")

	if err := s.broker.Start(ctx); err != nil {
		s.abortStart()
		return err
	}
	if err := s.watcher.Start(ctx); err != nil {
		s.abortStart()
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		s.stopQuietly(s.watcher.Stop)
		s.abortStart()
		return err
	}
	if err := s.bridges.StartAll(ctx); err != nil {
		s.stopQuietly(func() error { return s.engine.Stop(ctx) })
		s.stopQuietly(s.watcher.Stop)
		s.abortStart()
		return err
	}
	if err := s.watchdog.Start(ctx); err != nil && !errors.Is(err, watchdog.ErrWatchdogAlreadyRunning) {
		s.stopQuietly(func() error { return s.bridges.StopAll(ctx) })
		s.stopQuietly(func() error { return s.engine.Stop(ctx) })
		s.stopQuietly(s.watcher.Stop)
		s.abortStart()
		return err
	}
	s.registerAgentWatchdogs()

	// Startup reconcile: recreate missing sessions, requeue work that went
	// stale while the process was down. A degraded world is reported, not
	// fatal; the runtime serves what it can while recovery keeps retrying.
	if err := s.recovery.Recover(ctx); err != nil {
		s.logger.Warn("Startup recovery reported problems", zap.Error(err))
	}

	s.logger.Info("Orchestrator service started",
		zap.Int("agents", len(s.registry.ListEnabled())))
	return nil
}

// Stop takes the components down in reverse order. The broker goes last
// because stopping it drains and closes the bus.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping orchestrator service")

	var errs []error
	if err := s.watchdog.Stop(); err != nil && !errors.Is(err, watchdog.ErrWatchdogNotRunning) {
		s.logger.Error("Failed to stop watchdog", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.bridges.StopAll(ctx); err != nil {
		s.logger.Error("Failed to stop bridges", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop workflow engine", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.watcher.Stop(); err != nil {
		s.logger.Error("Failed to stop watcher", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.broker.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop broker", zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Orchestrator service stopped")
	return nil
}

func (s *Service) abortStart() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Service) stopQuietly(stop func() error) {
	if err := stop(); err != nil {
		s.logger.Warn("Cleanup during failed start reported an error", zap.Error(err))
	}
}

// IsRunning returns true if the service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStatus returns the orchestrator status
func (s *Service) GetStatus() *Status {
	s.mu.RLock()
	running := s.running
	startedAt := s.startedAt
	s.mu.RUnlock()

	var uptimeSeconds int64
	if running {
		uptimeSeconds = int64(time.Since(startedAt).Seconds())
	}

	active := 0
	queued := 0
	for _, def := range s.registry.ListEnabled() {
		if s.bridges.Running(def.ID) {
			active++
		}
		if br, ok := s.bridges.Bridge(def.ID); ok {
			queued += br.QueueDepth()
		}
	}

	return &Status{
		Running:        running,
		ActiveAgents:   active,
		QueuedTasks:    queued,
		TotalProcessed: s.totalProcessed.Load(),
		TotalFailed:    s.totalFailed.Load(),
		UptimeSeconds:  uptimeSeconds,
		LastHeartbeat:  time.Now(),
	}
}

// HealthCheck inspects sessions, bus, store, bridges and stale work without
// changing anything.
func (s *Service) HealthCheck(ctx context.Context) *v1.HealthReport {
	return s.recovery.HealthCheck(ctx)
}

// AutoRecover runs a health check and repairs only what it found unhealthy.
func (s *Service) AutoRecover(ctx context.Context) error {
	return s.recovery.AutoRecover(ctx)
}

// Recover runs the full recovery sequence unconditionally.
func (s *Service) Recover(ctx context.Context) error {
	return s.recovery.Recover(ctx)
}

// Broker exposes the broker for collaborators that publish directly.
func (s *Service) Broker() *broker.Broker {
	return s.broker
}
