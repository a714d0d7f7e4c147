package session

import (
	"fmt"

	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
)

// Provide builds the session adapter selected by session.backend. The local
// backend's cleanup tears down its panes; tmux sessions outlive the process
// on purpose, so its cleanup does nothing.
func Provide(cfg *config.Config, log *logger.Logger) (Adapter, func() error, error) {
	switch cfg.Session.Backend {
	case "tmux", "":
		a := NewTmuxAdapter(cfg.Session.Tmux.Socket, log)
		return a, func() error { return nil }, nil
	case "local":
		a := NewLocalAdapter(cfg.Session.Local.Cols, cfg.Session.Local.Rows, log)
		return a, a.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend: %s", cfg.Session.Backend)
	}
}
