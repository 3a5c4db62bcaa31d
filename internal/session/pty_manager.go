package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/logging"
)

const (
	reconcileInterval = 10 * time.Second
	captureBufferSize = 64 * 1024
)

type ptySession struct {
	id           string
	name         string
	workingDir   string
	env          map[string]string
	handle       ptyHandle
	createdAt    time.Time
	lastActivity time.Time

	mu  sync.Mutex
	buf *bytes.Buffer
}

// PTYManager is the default Session Manager implementation: one PTY-backed
// shell per session, matching the "create, exec-command-in-session,
// capture-output, send-signal, kill, list, inspect" contract of §4.1 without
// depending on any specific external multiplexer binary.
type PTYManager struct {
	logger *logging.Logger

	mu       sync.Mutex
	byID     map[string]*ptySession
	byName   map[string]*ptySession

	events chan TerminatedEvent
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewPTYManager constructs a PTYManager and starts its background
// reconciliation sweep. It fails fast with apperrors.Unavailable if no usable
// shell can be located, mirroring "if the multiplexer binary is absent at
// startup, ... fails fast" (§4.1).
func NewPTYManager(log *logging.Logger) (*PTYManager, error) {
	if err := checkShellAvailable(); err != nil {
		return nil, ErrUnavailable("new_pty_manager", err)
	}
	m := &PTYManager{
		logger: log.With(zap.String("component", "session-manager")),
		byID:   make(map[string]*ptySession),
		byName: make(map[string]*ptySession),
		events: make(chan TerminatedEvent, 64),
		stop:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reconcileLoop()
	return m, nil
}

func checkShellAvailable() error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	if _, err := os.Stat(shell); err != nil {
		if _, err2 := os.Stat("/bin/sh"); err2 != nil {
			return fmt.Errorf("no usable shell found: %w", err)
		}
	}
	return nil
}

func (m *PTYManager) CreateSession(ctx context.Context, name, workingDir string, env map[string]string) (string, error) {
	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return "", apperrors.New(apperrors.Conflict, "create_session", fmt.Sprintf("session %q already exists", name))
	}
	m.mu.Unlock()

	handle, err := startShell(workingDir, env)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ExternalFailure, "create_session", "failed to start session shell", err)
	}

	now := time.Now().UTC()
	sess := &ptySession{
		id:           uuid.New().String(),
		name:         name,
		workingDir:   workingDir,
		env:          env,
		handle:       handle,
		createdAt:    now,
		lastActivity: now,
		buf:          bytes.NewBuffer(nil),
	}

	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		_ = handle.Close()
		return "", apperrors.New(apperrors.Conflict, "create_session", fmt.Sprintf("session %q already exists", name))
	}
	m.byID[sess.id] = sess
	m.byName[name] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(sess)

	// Re-export env as session-wide shell variables so they survive a shell
	// restart inside the session, not just the initial process inheritance
	// (§4.1's "export before any command runs" requirement, and the
	// cross-session propagation note in §9).
	for k, v := range env {
		if err := m.ExecInSession(ctx, sess.id, fmt.Sprintf("export %s=%q", k, v)); err != nil {
			return "", apperrors.Wrap(apperrors.ExternalFailure, "create_session", "failed to export session environment", err)
		}
	}

	m.logger.Info("session created", zap.String("session_id", sess.id), zap.String("name", name))
	return sess.id, nil
}

func (m *PTYManager) pump(sess *ptySession) {
	defer m.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := sess.handle.Read(buf)
		if n > 0 {
			sess.mu.Lock()
			sess.buf.Write(buf[:n])
			if sess.buf.Len() > captureBufferSize {
				excess := sess.buf.Len() - captureBufferSize
				sess.buf.Next(excess)
			}
			sess.lastActivity = time.Now().UTC()
			sess.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (m *PTYManager) ExecInSession(ctx context.Context, sessionID, commandLine string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := sess.handle.Write([]byte(commandLine + "\n")); err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "exec_in_session", "write to session failed", err)
	}
	sess.mu.Lock()
	sess.lastActivity = time.Now().UTC()
	sess.mu.Unlock()
	return nil
}

func (m *PTYManager) KillSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil // idempotent: already gone (§4.1)
	}
	delete(m.byID, sessionID)
	delete(m.byName, sess.name)
	m.mu.Unlock()

	_ = sess.handle.Close()
	m.logger.Info("session killed", zap.String("session_id", sessionID))
	return nil
}

func (m *PTYManager) SendSignal(ctx context.Context, sessionID string, sig Signal) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := signalProcess(sess.handle, sig); err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "send_signal", "failed to signal session", err)
	}
	return nil
}

func (m *PTYManager) ListSessions(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.byID))
	for _, sess := range m.byID {
		out = append(out, infoOf(sess))
	}
	return out, nil
}

func (m *PTYManager) Inspect(ctx context.Context, sessionID string) (Info, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return infoOf(sess), nil
}

func (m *PTYManager) CaptureOutput(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]byte, sess.buf.Len())
	copy(out, sess.buf.Bytes())
	return out, nil
}

// CaptureScreen is CaptureOutput followed by RenderScreen: a convenience for
// callers that want readable terminal text rather than the raw escape-laden
// byte buffer (§4.1's inspect/capture-output contract, enriched per
// SPEC_FULL's domain stack).
func (m *PTYManager) CaptureScreen(ctx context.Context, sessionID string) (string, error) {
	raw, err := m.CaptureOutput(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return RenderScreen(raw), nil
}

func (m *PTYManager) Events() <-chan TerminatedEvent { return m.events }

func (m *PTYManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
	close(m.events)
	return nil
}

func (m *PTYManager) lookup(sessionID string) (*ptySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "session", fmt.Sprintf("unknown session %q", sessionID))
	}
	return sess, nil
}

// reconcileLoop periodically checks that every known session's underlying
// process is still alive, emitting a session_terminated event for any that
// have disappeared out from under the manager (§4.1).
func (m *PTYManager) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reconcileOnce()
		}
	}
}

func (m *PTYManager) reconcileOnce() {
	m.mu.Lock()
	var gone []*ptySession
	for id, sess := range m.byID {
		if !processAlive(sess.handle) {
			gone = append(gone, sess)
			delete(m.byID, id)
			delete(m.byName, sess.name)
		}
	}
	m.mu.Unlock()

	for _, sess := range gone {
		m.logger.Warn("session disappeared", zap.String("session_id", sess.id), zap.String("name", sess.name))
		select {
		case m.events <- TerminatedEvent{SessionID: sess.id, Name: sess.name, At: time.Now().UTC()}:
		default:
		}
	}
}

func infoOf(sess *ptySession) Info {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Info{
		ID:           sess.id,
		Name:         sess.name,
		CreatedAt:    sess.createdAt,
		LastActivity: sess.lastActivity,
		WindowCount:  1,
	}
}

func mergedEnv(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
