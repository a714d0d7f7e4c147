package repository

import (
	"context"
	"testing"

	v1 "github.com/kandev/agentmux/pkg/api/v1"
)

// Agent status tests

func TestSQLiteRepository_UpdateAndGetAgentStatus(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	err := repo.UpdateAgentStatus(ctx, "shell", v1.AgentStateBusy, "task-1", map[string]interface{}{"session": "agentmux-shell"})
	if err != nil {
		t.Fatalf("failed to update agent status: %v", err)
	}

	status, err := repo.GetAgentStatus(ctx, "shell")
	if err != nil {
		t.Fatalf("failed to get agent status: %v", err)
	}
	if status.Status != v1.AgentStateBusy {
		t.Errorf("expected status busy, got %s", status.Status)
	}
	if status.LastTaskID != "task-1" {
		t.Errorf("expected last task task-1, got %s", status.LastTaskID)
	}
	if status.LastHeartbeat.IsZero() {
		t.Error("expected heartbeat to be stamped")
	}
	if status.Details["session"] != "agentmux-shell" {
		t.Errorf("expected details to round-trip, got %v", status.Details)
	}
}

func TestSQLiteRepository_AgentStatusUpsertKeepsLastTask(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.UpdateAgentStatus(ctx, "shell", v1.AgentStateBusy, "task-1", nil)

	// A status-only write, as the watchdog does, must not erase the task
	// reference.
	if err := repo.UpdateAgentStatus(ctx, "shell", v1.AgentStateError, "", nil); err != nil {
		t.Fatalf("failed to update agent status: %v", err)
	}

	status, err := repo.GetAgentStatus(ctx, "shell")
	if err != nil {
		t.Fatalf("failed to get agent status: %v", err)
	}
	if status.Status != v1.AgentStateError {
		t.Errorf("expected status error, got %s", status.Status)
	}
	if status.LastTaskID != "task-1" {
		t.Errorf("expected last task to be preserved, got %q", status.LastTaskID)
	}
}

func TestSQLiteRepository_AgentStatusNotFound(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()

	if _, err := repo.GetAgentStatus(context.Background(), "ghost"); err == nil {
		t.Error("expected error for unknown agent")
	}
	if err := repo.UpdateAgentStatus(context.Background(), "", v1.AgentStateReady, "", nil); err == nil {
		t.Error("expected error for empty agent name")
	}
}

func TestSQLiteRepository_ListAgentStatuses(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.UpdateAgentStatus(ctx, "python", v1.AgentStateReady, "", nil)
	_ = repo.UpdateAgentStatus(ctx, "shell", v1.AgentStateBusy, "task-9", nil)

	statuses, err := repo.ListAgentStatuses(ctx)
	if err != nil {
		t.Fatalf("failed to list agent statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Agent != "python" || statuses[1].Agent != "shell" {
		t.Errorf("expected agents sorted by name, got %s then %s", statuses[0].Agent, statuses[1].Agent)
	}
}
