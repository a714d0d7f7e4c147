// Package watcher fans bus traffic out to the orchestrator: task results,
// agent status updates and lifecycle events, with the lifecycle stream
// mirrored into the durable event log.
package watcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/task/models"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// defaultQueueGroup is the queue group lifecycle subscriptions join so the
// event log gets each event once when several instances share a NATS bus.
const defaultQueueGroup = "orchestrator"

// EventLogger persists lifecycle events into the durable event log.
type EventLogger interface {
	LogEvent(ctx context.Context, event *models.Event) error
}

// EventHandlers contains the callbacks the watcher dispatches to. A nil
// callback skips its subscription, except for lifecycle topics, which stay
// subscribed for the event log as long as a store is present.
type EventHandlers struct {
	// Results of dispatched tasks, one message per terminal task.
	OnTaskResult func(ctx context.Context, result *events.TaskResultMessage)

	// Agent status transitions (ready, busy, stopped, error, unknown).
	OnAgentStatus func(ctx context.Context, status *v1.AgentStatus)

	// Lifecycle events by topic group.
	OnWorkflowEvent func(ctx context.Context, topic string, payload map[string]interface{})
	OnTaskEvent     func(ctx context.Context, topic string, payload map[string]interface{})
	OnAgentEvent    func(ctx context.Context, topic string, payload map[string]interface{})
	OnRecoveryEvent func(ctx context.Context, topic string, payload map[string]interface{})
}

var (
	workflowTopics = []string{
		events.WorkflowStarted, events.WorkflowCompleted, events.WorkflowFailed,
		events.WorkflowCancelled, events.StepStarted, events.StepCompleted,
		events.StepFailed, events.StepSkipped,
	}
	taskTopics = []string{
		events.TaskSubmitted, events.TaskStarted, events.TaskCompleted,
		events.TaskFailed, events.TaskRetried, events.TaskCancelled,
		events.TaskTimeout, events.TaskRequeued,
	}
	agentTopics    = []string{events.AgentStatusChanged, events.AgentUnresponsive}
	recoveryTopics = []string{events.RecoveryStarted, events.RecoveryCompleted}
)

// Watcher subscribes to bus subjects and dispatches to handlers.
type Watcher struct {
	bus        bus.Bus
	subjects   events.Subjects
	handlers   EventHandlers
	store      EventLogger
	queueGroup string
	logger     *logger.Logger

	mu            sync.Mutex
	subscriptions []bus.Subscription
	running       bool
}

// NewWatcher creates an event watcher. store may be nil, which disables the
// durable event log. An empty queueGroup selects the default.
func NewWatcher(eventBus bus.Bus, subjects events.Subjects, handlers EventHandlers, store EventLogger, queueGroup string, log *logger.Logger) *Watcher {
	if queueGroup == "" {
		queueGroup = defaultQueueGroup
	}
	return &Watcher{
		bus:        eventBus,
		subjects:   subjects,
		handlers:   handlers,
		store:      store,
		queueGroup: queueGroup,
		logger:     log.WithFields(zap.String("component", "watcher")),
	}
}

// Start subscribes to results, status and lifecycle subjects.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.subscribeResults(); err != nil {
		w.unsubscribeAll()
		return err
	}
	if err := w.subscribeStatus(); err != nil {
		w.unsubscribeAll()
		return err
	}
	if err := w.subscribeLifecycle(); err != nil {
		w.unsubscribeAll()
		return err
	}

	w.running = true
	w.logger.Info("Event watcher started", zap.Int("subscriptions", len(w.subscriptions)))
	return nil
}

// Stop drops every subscription.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.unsubscribeAll()
	w.running = false
	w.logger.Info("Event watcher stopped")
	return nil
}

// IsRunning returns true if the watcher is subscribed.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// unsubscribeAll removes all subscriptions (must be called with lock held).
func (w *Watcher) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}
	w.subscriptions = nil
}

func (w *Watcher) subscribeResults() error {
	if w.handlers.OnTaskResult == nil {
		return nil
	}
	sub, err := w.bus.Subscribe(w.subjects.ResultWildcard(), func(ctx context.Context, msg *bus.Message) error {
		result, err := events.DecodeResult(msg.Payload)
		if err != nil {
			w.logger.Warn("Dropping malformed result message",
				zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		w.handlers.OnTaskResult(ctx, result)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	w.subscriptions = append(w.subscriptions, sub)
	return nil
}

func (w *Watcher) subscribeStatus() error {
	if w.handlers.OnAgentStatus == nil {
		return nil
	}
	sub, err := w.bus.Subscribe(w.subjects.StatusWildcard(), func(ctx context.Context, msg *bus.Message) error {
		status, err := events.DecodeStatus(msg.Payload)
		if err != nil {
			w.logger.Warn("Dropping malformed status message",
				zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		w.handlers.OnAgentStatus(ctx, status)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status: %w", err)
	}
	w.subscriptions = append(w.subscriptions, sub)
	return nil
}

// subscribeLifecycle subscribes one handler per known topic; the topic is
// carried in the closure because bus messages do not repeat their subject.
func (w *Watcher) subscribeLifecycle() error {
	groups := []struct {
		topics  []string
		handler func(ctx context.Context, topic string, payload map[string]interface{})
	}{
		{workflowTopics, w.handlers.OnWorkflowEvent},
		{taskTopics, w.handlers.OnTaskEvent},
		{agentTopics, w.handlers.OnAgentEvent},
		{recoveryTopics, w.handlers.OnRecoveryEvent},
	}
	for _, group := range groups {
		if group.handler == nil && w.store == nil {
			continue
		}
		for _, topic := range group.topics {
			sub, err := w.bus.QueueSubscribe(w.subjects.Event(topic), w.queueGroup, w.lifecycleHandler(topic, group.handler))
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s events: %w", topic, err)
			}
			w.subscriptions = append(w.subscriptions, sub)
		}
	}
	return nil
}

func (w *Watcher) lifecycleHandler(topic string, handler func(ctx context.Context, topic string, payload map[string]interface{})) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		w.logEvent(ctx, topic, msg)
		if handler != nil {
			handler(ctx, topic, msg.Payload)
		}
		return nil
	}
}

func (w *Watcher) logEvent(ctx context.Context, topic string, msg *bus.Message) {
	if w.store == nil {
		return
	}
	event := &models.Event{
		Type:   topic,
		Source: msg.Source,
		Data:   msg.Payload,
	}
	if err := w.store.LogEvent(ctx, event); err != nil {
		w.logger.Warn("Failed to log lifecycle event",
			zap.String("topic", topic), zap.Error(err))
	}
}
