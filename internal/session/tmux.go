package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
)

// TmuxAdapter drives sessions through the tmux binary. Every operation is a
// single client invocation; the tmux server owns all session state, so agent
// sessions survive orchestrator restarts.
type TmuxAdapter struct {
	bin    string
	socket string
	logger *logger.Logger
}

// NewTmuxAdapter creates an adapter talking to the default tmux server, or
// to a dedicated one when socket is non-empty (tmux -L).
func NewTmuxAdapter(socket string, log *logger.Logger) *TmuxAdapter {
	return &TmuxAdapter{
		bin:    "tmux",
		socket: socket,
		logger: log.WithFields(zap.String("component", "session-tmux")),
	}
}

// args prepends the socket selector when one is configured.
func (a *TmuxAdapter) args(cmd ...string) []string {
	if a.socket == "" {
		return cmd
	}
	return append([]string{"-L", a.socket}, cmd...)
}

// SessionExists asks the server via has-session. A non-zero exit means the
// session is missing, which includes the case where no server is running at
// all; only failures to invoke tmux itself are reported as errors.
func (a *TmuxAdapter) SessionExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, a.bin, a.args("has-session", "-t", name)...)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("tmux has-session: %w", err)
	}
	return true, nil
}

// CreateSession starts a detached session running the user's default shell.
func (a *TmuxAdapter) CreateSession(ctx context.Context, name string) error {
	if err := a.run(ctx, "new-session", "-d", "-s", name); err != nil {
		return err
	}
	a.logger.Info("Session created", zap.String("session", name))
	return nil
}

// KillSession terminates the named session.
func (a *TmuxAdapter) KillSession(ctx context.Context, name string) error {
	if err := a.run(ctx, "kill-session", "-t", name); err != nil {
		return err
	}
	a.logger.Info("Session killed", zap.String("session", name))
	return nil
}

// SendCommand types the line into the session and presses Enter.
func (a *TmuxAdapter) SendCommand(ctx context.Context, name, line string) error {
	return a.run(ctx, "send-keys", "-t", name, line, "Enter")
}

// CapturePane returns the visible pane content of the session.
func (a *TmuxAdapter) CapturePane(ctx context.Context, name string) (string, error) {
	cmd := exec.CommandContext(ctx, a.bin, a.args("capture-pane", "-p", "-t", name)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", wrapTmuxError("capture-pane", stderr.Bytes(), err)
	}
	return stdout.String(), nil
}

// run executes a tmux subcommand and wraps any failure with its output.
func (a *TmuxAdapter) run(ctx context.Context, cmdArgs ...string) error {
	cmd := exec.CommandContext(ctx, a.bin, a.args(cmdArgs...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return wrapTmuxError(cmdArgs[0], out, err)
	}
	return nil
}

// wrapTmuxError folds tmux's stderr into the returned error. Missing-session
// complaints are mapped onto ErrSessionNotFound so callers can branch on
// errors.Is.
func wrapTmuxError(op string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
		return fmt.Errorf("tmux %s: %w: %s", op, ErrSessionNotFound, msg)
	}
	if msg == "" {
		return fmt.Errorf("tmux %s: %w", op, err)
	}
	return fmt.Errorf("tmux %s: %s", op, msg)
}
