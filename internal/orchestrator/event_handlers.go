package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/stringutil"
	"github.com/kandev/agentmux/internal/events"
	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// expiredStatusTimeout bounds the writes made when a watchdog expiry fires.
// The callback runs on the watchdog's ticker goroutine with no caller
// context.
const expiredStatusTimeout = 10 * time.Second

// handleTaskResult counts terminal results and turns them into lifecycle
// events. Exactly one result reaches the bus per task, so the counters and
// the task.completed/task.failed topics stay in step with the store.
func (s *Service) handleTaskResult(ctx context.Context, res *events.TaskResultMessage) {
	topic := events.TaskCompleted
	if res.Success {
		s.totalProcessed.Add(1)
	} else {
		s.totalFailed.Add(1)
		topic = events.TaskFailed
	}

	payload := map[string]interface{}{
		"task_id": res.TaskID,
		"success": res.Success,
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	s.broadcast(ctx, topic, payload)

	preview := ""
	if res.Result != nil {
		preview = stringutil.Preview(res.Result.RawOutput, 120)
	}
	s.logger.Debug("Task result observed",
		zap.String("task_id", res.TaskID),
		zap.Bool("success", res.Success),
		zap.String("output_preview", preview))
}

// handleAgentStatus feeds the status stream into the watchdog. Any update is
// proof of life; ready and busy additionally re-arm monitoring for agents
// whose entry was dropped by an earlier expiry, and a clean stop ends
// monitoring. The unknown state never re-arms, because the expiry path
// publishes it itself.
func (s *Service) handleAgentStatus(ctx context.Context, status *v1.AgentStatus) {
	switch status.Status {
	case v1.AgentStateReady, v1.AgentStateBusy:
		if s.registry.Exists(status.Agent) && !s.watchdog.Monitored(status.Agent) {
			s.watchdog.Register(status.Agent, 0, s.onAgentExpired)
		}
		s.watchdog.Heartbeat(status.Agent)
	case v1.AgentStateError:
		s.watchdog.Heartbeat(status.Agent)
	case v1.AgentStateStopped:
		s.watchdog.Unregister(status.Agent)
	}

	s.logger.Debug("Agent status observed",
		zap.String("agent", status.Agent),
		zap.String("status", string(status.Status)))
}

// onAgentExpired is the watchdog expiry callback: the agent went silent past
// its timeout, so its durable status flips to unknown and an unresponsive
// event goes out for the event log.
func (s *Service) onAgentExpired(agent string, age time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), expiredStatusTimeout)
	defer cancel()

	s.logger.Warn("Agent went silent; marking status unknown",
		zap.String("agent", agent),
		zap.Duration("silent_for", age))

	details := map[string]interface{}{
		"reason":         "heartbeat_expired",
		"silent_seconds": int(age.Seconds()),
	}
	if err := s.broker.UpdateAgentStatus(ctx, agent, v1.AgentStateUnknown, "", details); err != nil {
		s.logger.Warn("Failed to record unknown agent status",
			zap.String("agent", agent), zap.Error(err))
	}
	s.broadcast(ctx, events.AgentUnresponsive, map[string]interface{}{
		"agent":          agent,
		"silent_seconds": int(age.Seconds()),
	})
}

// registerAgentWatchdogs arms heartbeat monitoring for every enabled agent
// with the configured default timeout.
func (s *Service) registerAgentWatchdogs() {
	for _, def := range s.registry.ListEnabled() {
		s.watchdog.Register(def.ID, 0, s.onAgentExpired)
	}
}

func (s *Service) broadcast(ctx context.Context, topic string, payload map[string]interface{}) {
	if err := s.broker.BroadcastEvent(ctx, topic, payload); err != nil {
		s.logger.Debug("Event broadcast failed",
			zap.String("topic", topic), zap.Error(err))
	}
}
