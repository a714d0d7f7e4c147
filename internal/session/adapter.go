// Package session provides the terminal session adapter bridges drive.
//
// A session is the orchestrator's only channel to an agent: write characters
// in, read the visible pane back. Two backends implement the same five
// operations; the default shells out to tmux, the local backend embeds PTY
// sessions in-process.
package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when an operation targets a session name
// that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Adapter abstracts the terminal multiplexer.
//
// Single-writer invariant: only the owning bridge calls SendCommand for a
// given session. CapturePane is side-effect-free and safe for concurrent
// readers.
type Adapter interface {
	// SessionExists reports whether the named session is alive.
	SessionExists(ctx context.Context, name string) (bool, error)

	// CreateSession starts a new detached session under the given name.
	CreateSession(ctx context.Context, name string) error

	// KillSession terminates the named session.
	KillSession(ctx context.Context, name string) error

	// SendCommand writes one line plus a newline into the session.
	SendCommand(ctx context.Context, name, line string) error

	// CapturePane returns the currently visible pane content.
	CapturePane(ctx context.Context, name string) (string, error)
}
