package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
)

// maxHistoryBytes bounds the raw output retained per pane.
const maxHistoryBytes = 64 * 1024

// killGracePeriod is how long a shell gets to exit after its PTY closes
// before it is force killed.
const killGracePeriod = 5 * time.Second

// LocalAdapter embeds PTY sessions in the orchestrator process, one shell
// per session name. PTY output is fed through a virtual terminal so that
// CapturePane has the same visible-screen semantics as tmux capture-pane.
//
// Sessions die with the process; tmux is the backend for anything that must
// survive a restart.
type LocalAdapter struct {
	mu     sync.Mutex
	panes  map[string]*localPane
	cols   int
	rows   int
	logger *logger.Logger
}

type localPane struct {
	name string
	cmd  *exec.Cmd
	pty  *os.File

	mu      sync.Mutex
	term    vt10x.Terminal
	history []byte
	alive   bool

	done chan struct{}
}

// NewLocalAdapter creates an adapter whose panes are cols x rows cells.
func NewLocalAdapter(cols, rows int, log *logger.Logger) *LocalAdapter {
	if cols <= 0 {
		cols = 200
	}
	if rows <= 0 {
		rows = 50
	}
	return &LocalAdapter{
		panes:  make(map[string]*localPane),
		cols:   cols,
		rows:   rows,
		logger: log.WithFields(zap.String("component", "session-local")),
	}
}

// SessionExists reports whether a pane with that name has a live shell.
func (a *LocalAdapter) SessionExists(ctx context.Context, name string) (bool, error) {
	a.mu.Lock()
	p, ok := a.panes[name]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return p.isAlive(), nil
}

// CreateSession starts a shell on a fresh PTY under the given name.
func (a *LocalAdapter) CreateSession(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.panes[name]; ok && p.isAlive() {
		return fmt.Errorf("session already exists: %s", name)
	}

	shell, shellArgs := detectShell()
	cmd := exec.Command(shell, shellArgs...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(a.cols),
		Rows: uint16(a.rows),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY for session %s: %w", name, err)
	}

	p := &localPane{
		name:  name,
		cmd:   cmd,
		pty:   ptmx,
		term:  vt10x.New(vt10x.WithSize(a.cols, a.rows)),
		alive: true,
		done:  make(chan struct{}),
	}
	a.panes[name] = p

	go p.readOutput()
	go a.waitForExit(p)

	a.logger.Info("Session created",
		zap.String("session", name),
		zap.String("shell", shell),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// KillSession closes the pane's PTY and reaps the shell.
func (a *LocalAdapter) KillSession(ctx context.Context, name string) error {
	a.mu.Lock()
	p, ok := a.panes[name]
	if ok {
		delete(a.panes, name)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("kill session %s: %w", name, ErrSessionNotFound)
	}

	p.stop()
	a.logger.Info("Session killed", zap.String("session", name))
	return nil
}

// SendCommand writes the line plus a newline into the pane's PTY.
func (a *LocalAdapter) SendCommand(ctx context.Context, name, line string) error {
	p, err := a.pane(name)
	if err != nil {
		return err
	}
	if _, err := p.pty.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("send to session %s: %w", name, err)
	}
	return nil
}

// CapturePane renders the pane's virtual terminal into visible text.
func (a *LocalAdapter) CapturePane(ctx context.Context, name string) (string, error) {
	p, err := a.pane(name)
	if err != nil {
		return "", err
	}
	return p.render(a.cols, a.rows), nil
}

// BufferedOutput returns the pane's raw output history, bounded to the most
// recent maxHistoryBytes. Diagnostics only; pane rendering is CapturePane.
func (a *LocalAdapter) BufferedOutput(name string) []byte {
	a.mu.Lock()
	p, ok := a.panes[name]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return nil
	}
	out := make([]byte, len(p.history))
	copy(out, p.history)
	return out
}

// Close terminates every pane. Registered as the provider cleanup.
func (a *LocalAdapter) Close() error {
	a.mu.Lock()
	panes := make([]*localPane, 0, len(a.panes))
	for _, p := range a.panes {
		panes = append(panes, p)
	}
	a.panes = make(map[string]*localPane)
	a.mu.Unlock()

	for _, p := range panes {
		p.stop()
	}
	return nil
}

func (a *LocalAdapter) pane(name string) (*localPane, error) {
	a.mu.Lock()
	p, ok := a.panes[name]
	a.mu.Unlock()
	if !ok || !p.isAlive() {
		return nil, fmt.Errorf("session %s: %w", name, ErrSessionNotFound)
	}
	return p, nil
}

// waitForExit reaps the shell and drops the pane from the map, so a shell
// that dies on its own reads as a missing session and recovery can recreate
// it. The pointer comparison keeps an old pane's exit from evicting a
// replacement created under the same name.
func (a *LocalAdapter) waitForExit(p *localPane) {
	if p.cmd != nil {
		_ = p.cmd.Wait()
	}

	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	close(p.done)

	a.mu.Lock()
	if a.panes[p.name] == p {
		delete(a.panes, p.name)
	}
	a.mu.Unlock()

	a.logger.Debug("Session shell exited", zap.String("session", p.name))
}

// readOutput pumps PTY output into the virtual terminal and the history
// buffer until the PTY closes.
func (p *localPane) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			p.mu.Lock()
			_, _ = p.term.Write(buf[:n])
			p.history = append(p.history, buf[:n]...)
			if len(p.history) > maxHistoryBytes {
				p.history = p.history[len(p.history)-maxHistoryBytes:]
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// render reconstructs the visible screen from the virtual terminal. Trailing
// blank rows are dropped, matching what a capture of a mostly empty pane
// looks like.
func (p *localPane) render(cols, rows int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := p.term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// stop closes the PTY, which sends SIGHUP to the shell, then waits for the
// process with a grace period before force killing.
func (p *localPane) stop() {
	p.mu.Lock()
	alive := p.alive
	p.mu.Unlock()
	if !alive {
		return
	}

	_ = p.pty.Close()

	select {
	case <-p.done:
	case <-time.After(killGracePeriod):
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

func (p *localPane) isAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// detectShell picks the shell for embedded sessions: $SHELL when set,
// otherwise the usual suspects.
func detectShell() (string, []string) {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", []string{"-l"}
}
