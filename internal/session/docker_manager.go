package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/logging"
)

// DockerManager is a container-backed Session Manager: each session is a
// long-lived container running a shell, exec_in_session uses `docker exec`
// against it, and kill_session stops+removes the container. It gives agents
// stronger isolation (separate filesystem, network namespace, resource caps)
// than PTYManager at the cost of requiring a reachable Docker daemon.
type DockerManager struct {
	logger *logging.Logger
	cli    *client.Client
	image  string

	mu       sync.Mutex
	byID     map[string]*dockerSession
	byName   map[string]*dockerSession

	events chan TerminatedEvent
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

type dockerSession struct {
	id           string
	name         string
	containerID  string
	createdAt    time.Time
	lastActivity time.Time
}

// DockerConfig selects the Docker daemon and base image used for new
// sessions.
type DockerConfig struct {
	Host       string
	APIVersion string
	Image      string // defaults to "ubuntu:24.04" if empty
}

// NewDockerManager connects to the Docker daemon and verifies it is
// reachable, failing fast with apperrors.Unavailable otherwise (§4.1).
func NewDockerManager(ctx context.Context, cfg DockerConfig, log *logging.Logger) (*DockerManager, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, ErrUnavailable("new_docker_manager", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, ErrUnavailable("new_docker_manager", err)
	}

	image := cfg.Image
	if image == "" {
		image = "ubuntu:24.04"
	}

	m := &DockerManager{
		logger: log.With(zap.String("component", "session-manager"), zap.String("backend", "docker")),
		cli:    cli,
		image:  image,
		byID:   make(map[string]*dockerSession),
		byName: make(map[string]*dockerSession),
		events: make(chan TerminatedEvent, 64),
		stop:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reconcileLoop()
	return m, nil
}

func (m *DockerManager) CreateSession(ctx context.Context, name, workingDir string, env map[string]string) (string, error) {
	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return "", apperrors.New(apperrors.Conflict, "create_session", fmt.Sprintf("session %q already exists", name))
	}
	m.mu.Unlock()

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      m.image,
			Cmd:        []string{"sleep", "infinity"},
			Env:        envList,
			WorkingDir: workingDir,
			Labels:     map[string]string{"agentsupervisor.session": name},
			Tty:        true,
		},
		&container.HostConfig{AutoRemove: false},
		nil, nil, "",
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ExternalFailure, "create_session", "failed to create container", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperrors.Wrap(apperrors.ExternalFailure, "create_session", "failed to start container", err)
	}

	now := time.Now().UTC()
	sess := &dockerSession{id: resp.ID, name: name, containerID: resp.ID, createdAt: now, lastActivity: now}

	m.mu.Lock()
	m.byID[sess.id] = sess
	m.byName[name] = sess
	m.mu.Unlock()

	m.logger.Info("container session created", zap.String("session_id", sess.id), zap.String("name", name))
	return sess.id, nil
}

func (m *DockerManager) ExecInSession(ctx context.Context, sessionID, commandLine string) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	execResp, err := m.cli.ContainerExecCreate(ctx, sess.containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", commandLine},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "exec_in_session", "exec create failed", err)
	}
	if err := m.cli.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{}); err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "exec_in_session", "exec start failed", err)
	}
	sess.lastActivity = time.Now().UTC()
	return nil
}

func (m *DockerManager) KillSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil // idempotent (§4.1)
	}
	delete(m.byID, sessionID)
	delete(m.byName, sess.name)
	m.mu.Unlock()

	timeout := 0
	_ = m.cli.ContainerStop(ctx, sess.containerID, container.StopOptions{Timeout: &timeout})
	_ = m.cli.ContainerRemove(ctx, sess.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	m.logger.Info("container session killed", zap.String("session_id", sessionID))
	return nil
}

func (m *DockerManager) SendSignal(ctx context.Context, sessionID string, sig Signal) error {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	native := map[Signal]string{
		SignalStop:      "SIGSTOP",
		SignalContinue:  "SIGCONT",
		SignalTerminate: "SIGTERM",
		SignalKill:      "SIGKILL",
	}[sig]
	if native == "" {
		return nil
	}
	if err := m.cli.ContainerKill(ctx, sess.containerID, native); err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "send_signal", "container kill failed", err)
	}
	return nil
}

func (m *DockerManager) ListSessions(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.byID))
	for _, sess := range m.byID {
		out = append(out, Info{ID: sess.id, Name: sess.name, CreatedAt: sess.createdAt, LastActivity: sess.lastActivity, WindowCount: 1})
	}
	return out, nil
}

func (m *DockerManager) Inspect(ctx context.Context, sessionID string) (Info, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return Info{ID: sess.id, Name: sess.name, CreatedAt: sess.createdAt, LastActivity: sess.lastActivity, WindowCount: 1}, nil
}

func (m *DockerManager) CaptureOutput(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	rc, err := m.cli.ContainerLogs(ctx, sess.containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "500"})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ExternalFailure, "capture_output", "container logs failed", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, rc)
	return buf.Bytes(), nil
}

func (m *DockerManager) Events() <-chan TerminatedEvent { return m.events }

func (m *DockerManager) Close() error {
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
	return m.cli.Close()
}

func (m *DockerManager) lookup(sessionID string) (*dockerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "session", fmt.Sprintf("unknown session %q", sessionID))
	}
	return sess, nil
}

func (m *DockerManager) reconcileLoop() {
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

func (m *DockerManager) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "agentsupervisor.session")),
	})
	if err != nil {
		m.logger.Warn("reconciliation list failed", zap.Error(err))
		return
	}
	live := make(map[string]bool, len(containers))
	for _, c := range containers {
		if c.State == "running" {
			live[c.ID] = true
		}
	}

	m.mu.Lock()
	var gone []*dockerSession
	for id, sess := range m.byID {
		if !live[sess.containerID] {
			gone = append(gone, sess)
			delete(m.byID, id)
			delete(m.byName, sess.name)
		}
	}
	m.mu.Unlock()

	for _, sess := range gone {
		m.logger.Warn("container session disappeared", zap.String("session_id", sess.id))
		select {
		case m.events <- TerminatedEvent{SessionID: sess.id, Name: sess.name, At: time.Now().UTC()}:
		default:
		}
	}
}
