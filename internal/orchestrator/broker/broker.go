// Package broker is the coordination surface between callers, the durable
// store and the message bus: tasks are persisted before their dispatch
// message goes out, results are persisted before being announced, and the
// store stays authoritative for every read.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/events/bus"
	"github.com/kandev/agentmux/internal/task/repository"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

const source = "broker"

// Broker routes tasks, results and status updates through the bus while
// keeping the persistence store authoritative.
type Broker struct {
	bus      bus.Bus
	subjects events.Subjects
	store    repository.Repository
	logger   *logger.Logger

	mu      sync.Mutex
	started bool
}

// New creates a broker over the given bus and store.
func New(eventBus bus.Bus, subjects events.Subjects, store repository.Repository, log *logger.Logger) *Broker {
	return &Broker{
		bus:      eventBus,
		subjects: subjects,
		store:    store,
		logger:   log.WithFields(zap.String("component", "broker")),
	}
}

// Start marks the broker ready for traffic.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	b.logger.Info("Broker started")
	return nil
}

// Stop drains the bus. Pending dispatches are delivered before it returns;
// publishes after Stop fail.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	b.bus.Close()
	b.logger.Info("Broker stopped")
	return nil
}

// PublishTask persists a pending task and announces it on the agent's task
// subject. The durable write is the commit point: if it fails the call
// fails and nothing is published. A publish failure after the write is
// logged only; the pending row will be picked up by recovery.
func (b *Broker) PublishTask(ctx context.Context, agent string, task *v1.Task) (string, error) {
	if agent == "" {
		return "", fmt.Errorf("agent is required")
	}
	if task == nil || task.Command == "" {
		return "", fmt.Errorf("task command is required")
	}

	task.Agent = agent
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = v1.TaskPriorityNormal
	}
	task.State = v1.TaskStatePending

	if err := b.store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to persist task: %w", err)
	}

	msg := bus.NewMessage(bus.MessageTypeTask, source, events.EncodeTask(task))
	msg.Target = agent
	msg.Priority = string(task.Priority)
	msg.CorrelationID = task.CorrelationID
	if err := b.bus.Publish(ctx, b.subjects.Task(agent), msg); err != nil {
		b.logger.Warn("Task publish failed; pending row awaits recovery",
			zap.String("task_id", task.ID),
			zap.String("agent", agent),
			zap.Error(err))
	}

	b.logger.Debug("Task published",
		zap.String("task_id", task.ID),
		zap.String("agent", agent),
		zap.String("priority", string(task.Priority)))
	return task.ID, nil
}

// MarkTaskRunning records that an agent picked the task up. Re-applying the
// running state is a no-op in the store, so a bridge retrying a task in
// place can call this at the start of every attempt.
func (b *Broker) MarkTaskRunning(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	return b.store.UpdateTaskStatus(ctx, taskID, v1.TaskStateRunning, nil, "")
}

// PublishResult persists the terminal state of a task and announces it on
// the task's result subject. A store failure here is logged, not returned:
// the result message must still reach subscribers, and the recovery
// coordinator reconciles the store afterwards.
func (b *Broker) PublishResult(ctx context.Context, taskID string, result *v1.TaskResult, success bool, errMsg string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	state := v1.TaskStateCompleted
	if !success {
		state = v1.TaskStateFailed
	}
	if err := b.store.UpdateTaskStatus(ctx, taskID, state, result, errMsg); err != nil {
		b.logger.Error("Failed to persist task result; publishing anyway",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	payload := events.EncodeResult(&events.TaskResultMessage{
		TaskID:  taskID,
		Success: success,
		Result:  result,
		Error:   errMsg,
	})
	msg := bus.NewMessage(bus.MessageTypeResult, source, payload)
	msg.CorrelationID = taskID
	if err := b.bus.Publish(ctx, b.subjects.Result(taskID), msg); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// UpdateAgentStatus persists an agent's status and announces it on the
// agent's status subject.
func (b *Broker) UpdateAgentStatus(ctx context.Context, agent string, status v1.AgentState, lastTaskID string, details map[string]interface{}) error {
	if err := b.store.UpdateAgentStatus(ctx, agent, status, lastTaskID, details); err != nil {
		return fmt.Errorf("failed to persist agent status: %w", err)
	}

	payload := events.EncodeStatus(&v1.AgentStatus{
		Agent:         agent,
		Status:        status,
		LastTaskID:    lastTaskID,
		LastHeartbeat: time.Now().UTC(),
		Details:       details,
	})
	msg := bus.NewMessage(bus.MessageTypeStatus, source, payload)
	msg.Target = agent
	if err := b.bus.Publish(ctx, b.subjects.Status(agent), msg); err != nil {
		b.logger.Warn("Agent status publish failed",
			zap.String("agent", agent),
			zap.Error(err))
	}
	return nil
}

// BroadcastEvent publishes on an event topic. Events are not persisted
// here; callers that want a durable trace log to the event table as well.
func (b *Broker) BroadcastEvent(ctx context.Context, topic string, payload map[string]interface{}) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	msg := bus.NewMessage(bus.MessageTypeEvent, source, payload)
	return b.bus.Publish(ctx, b.subjects.Event(topic), msg)
}

// Subscribe registers a handler for a subject pattern.
func (b *Broker) Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error) {
	return b.bus.Subscribe(pattern, handler)
}

// GetTaskStatus reads the authoritative task state from the store.
func (b *Broker) GetTaskStatus(ctx context.Context, taskID string) (*v1.TaskStatusResponse, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &v1.TaskStatusResponse{
		TaskID: task.ID,
		State:  task.State,
		Result: task.Result,
		Error:  task.Error,
	}, nil
}

// GetPendingTasks reads all pending tasks from the store in dispatch order.
func (b *Broker) GetPendingTasks(ctx context.Context) ([]*v1.Task, error) {
	return b.store.GetPendingTasks(ctx, "")
}

// Subjects returns the subject builder the broker publishes with.
func (b *Broker) Subjects() events.Subjects {
	return b.subjects
}
