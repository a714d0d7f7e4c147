package events

import (
	"encoding/json"
	"fmt"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// TaskResultMessage is the payload carried on results subjects.
type TaskResultMessage struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Result  *v1.TaskResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EncodeTask converts a task into a bus payload map.
func EncodeTask(task *v1.Task) map[string]interface{} {
	return toPayload(task)
}

// DecodeTask rebuilds a task from a bus payload map.
func DecodeTask(payload map[string]interface{}) (*v1.Task, error) {
	task := &v1.Task{}
	if err := fromPayload(payload, task); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task payload has no id")
	}
	return task, nil
}

// EncodeResult converts a result message into a bus payload map.
func EncodeResult(result *TaskResultMessage) map[string]interface{} {
	return toPayload(result)
}

// DecodeResult rebuilds a result message from a bus payload map.
func DecodeResult(payload map[string]interface{}) (*TaskResultMessage, error) {
	result := &TaskResultMessage{}
	if err := fromPayload(payload, result); err != nil {
		return nil, fmt.Errorf("failed to decode result payload: %w", err)
	}
	if result.TaskID == "" {
		return nil, fmt.Errorf("result payload has no task id")
	}
	return result, nil
}

// EncodeStatus converts an agent status into a bus payload map.
func EncodeStatus(status *v1.AgentStatus) map[string]interface{} {
	return toPayload(status)
}

// DecodeStatus rebuilds an agent status from a bus payload map.
func DecodeStatus(payload map[string]interface{}) (*v1.AgentStatus, error) {
	status := &v1.AgentStatus{}
	if err := fromPayload(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status payload: %w", err)
	}
	if status.Agent == "" {
		return nil, fmt.Errorf("status payload has no agent")
	}
	return status, nil
}

// toPayload round-trips a struct through JSON into the map form every bus
// backend can carry. The NATS backend re-marshals messages anyway, so the
// map form is the wire-neutral representation.
func toPayload(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return map[string]interface{}{}
	}
	return payload
}

func fromPayload(payload map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
