package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kandev/agentmux/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func TestTmuxArgs(t *testing.T) {
	log := newTestLogger()

	a := NewTmuxAdapter("", log)
	got := a.args("has-session", "-t", "agent-1")
	want := []string{"has-session", "-t", "agent-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected args %v, got %v", want, got)
	}

	a = NewTmuxAdapter("agentmux", log)
	got = a.args("send-keys", "-t", "agent-1", "echo hi", "Enter")
	want = []string{"-L", "agentmux", "send-keys", "-t", "agent-1", "echo hi", "Enter"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected args %v, got %v", want, got)
	}
}

func TestWrapTmuxError(t *testing.T) {
	base := errors.New("exit status 1")

	err := wrapTmuxError("send-keys", []byte("can't find session: agent-1\n"), base)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for missing session, got %v", err)
	}

	err = wrapTmuxError("capture-pane", []byte("no server running on /tmp/tmux-0/default"), base)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound when no server is running, got %v", err)
	}

	err = wrapTmuxError("new-session", []byte("duplicate session: agent-1"), base)
	if errors.Is(err, ErrSessionNotFound) {
		t.Errorf("duplicate session must not map to ErrSessionNotFound: %v", err)
	}
	if !strings.Contains(err.Error(), "duplicate session") {
		t.Errorf("expected stderr in error, got %v", err)
	}

	err = wrapTmuxError("kill-session", nil, base)
	if !errors.Is(err, base) {
		t.Errorf("expected underlying error to be wrapped when output is empty, got %v", err)
	}
}

func TestTmuxSessionExistsBinaryMissing(t *testing.T) {
	a := NewTmuxAdapter("", newTestLogger())
	a.bin = "/nonexistent/tmux-binary"

	_, err := a.SessionExists(context.Background(), "agent-1")
	if err == nil {
		t.Fatal("expected error when the tmux binary cannot be invoked")
	}
}

// TestTmuxRoundTrip exercises the adapter against a real tmux server on an
// isolated socket. Skipped when tmux is not installed or cannot start.
func TestTmuxRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
	if os.Getenv("CI") != "" {
		t.Skip("Skipping tmux test in CI environment")
	}

	socket := fmt.Sprintf("agentmux-test-%d", os.Getpid())
	a := NewTmuxAdapter(socket, newTestLogger())
	ctx := context.Background()
	name := "roundtrip-agent"

	defer func() {
		_ = exec.Command("tmux", "-L", socket, "kill-server").Run()
	}()

	if err := a.CreateSession(ctx, name); err != nil {
		t.Skipf("tmux unavailable in this environment: %v", err)
	}

	exists, err := a.SessionExists(ctx, name)
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if !exists {
		t.Fatal("expected session to exist after create")
	}

	if err := a.SendCommand(ctx, name, "echo tmux-pane-check"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var pane string
	for {
		pane, err = a.CapturePane(ctx, name)
		if err == nil && strings.Contains(pane, "tmux-pane-check") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pane never showed command output; last capture:\n%s", pane)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := a.KillSession(ctx, name); err != nil {
		t.Fatalf("KillSession failed: %v", err)
	}

	exists, err = a.SessionExists(ctx, name)
	if err != nil {
		t.Fatalf("SessionExists after kill failed: %v", err)
	}
	if exists {
		t.Error("expected session to be gone after kill")
	}
}
