// Package session abstracts a terminal-multiplexer as a pool of named,
// isolated, long-lived process containers (§4.1). The Lifecycle Controller
// depends on the Manager interface, never on a concrete multiplexer; two
// implementations are provided: a PTY-backed Manager (the default — one
// pseudo-terminal per agent, the closest local analogue of a tmux pane) and a
// Docker-backed Manager (one container per agent, for workloads that need
// stronger isolation than a shared-kernel PTY provides).
package session

import (
	"context"
	"time"

	"github.com/kandev/agentsupervisor/internal/apperrors"
)

// Info describes a session's observable state (§4.1 list_sessions/inspect).
type Info struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	LastActivity time.Time
	WindowCount  int
}

// Manager is the Session Manager's public contract (§4.1).
type Manager interface {
	// CreateSession provisions a new isolated session named `name`, rooted at
	// workingDir, with env exported before any command runs in it. Fails with
	// apperrors.Conflict if a live session of that name already exists, and
	// with apperrors.ExternalFailure if the shell or container cannot be
	// started.
	CreateSession(ctx context.Context, name, workingDir string, env map[string]string) (sessionID string, err error)

	// ExecInSession pushes a command line to the session's primary shell.
	// It returns once the write has been accepted, not once the command
	// completes.
	ExecInSession(ctx context.Context, sessionID, commandLine string) error

	// KillSession is idempotent: killing an already-gone session is not an
	// error (§4.1).
	KillSession(ctx context.Context, sessionID string) error

	// SendSignal delivers a job-control signal to the session's process
	// group, used by Agent Wrapper pause/resume (§4.2).
	SendSignal(ctx context.Context, sessionID string, sig Signal) error

	// ListSessions returns every session currently known to the manager.
	ListSessions(ctx context.Context) ([]Info, error)

	// Inspect returns a single session's info, or apperrors.NotFound.
	Inspect(ctx context.Context, sessionID string) (Info, error)

	// CaptureOutput returns the most recent output accumulated on the
	// session (best-effort, bounded by an internal ring buffer).
	CaptureOutput(ctx context.Context, sessionID string) ([]byte, error)

	// Events returns a channel of TerminatedEvent fired by the background
	// reconciliation sweep when a known session disappears out from under
	// the manager (§4.1).
	Events() <-chan TerminatedEvent

	// Close stops the reconciliation sweep and releases manager resources.
	// It does not kill live sessions.
	Close() error
}

// Signal is a job-control signal sendable to a session (pause/resume/term).
type Signal int

const (
	SignalStop Signal = iota
	SignalContinue
	SignalTerminate
	SignalKill
)

// TerminatedEvent is emitted when the reconciliation sweep observes a known
// session vanish from the underlying multiplexer (§4.1).
type TerminatedEvent struct {
	SessionID string
	Name      string
	At        time.Time
}

// ErrUnavailable is returned by the New* constructors when the underlying
// shell binary or container daemon cannot be reached at all —
// the supervisor is expected to log once and refuse to come up (§4.1).
func ErrUnavailable(op string, cause error) error {
	return apperrors.Wrap(apperrors.Unavailable, op, "session multiplexer unavailable", cause)
}
