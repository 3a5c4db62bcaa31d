package lifecycle_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/bus"
	"github.com/kandev/agentsupervisor/internal/config"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/health"
	"github.com/kandev/agentsupervisor/internal/launcherstate"
	"github.com/kandev/agentsupervisor/internal/lifecycle"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
	"github.com/kandev/agentsupervisor/internal/session"
	"github.com/kandev/agentsupervisor/internal/wrapper"
)

// fakeSessionManager is a minimal in-memory session.Manager double: every
// session is accepted, ExecInSession/KillSession calls are recorded, and
// SendSignal always succeeds without recording anything.
type fakeSessionManager struct {
	mu        sync.Mutex
	nextID    int
	execs     map[string][]string
	killed    map[string]bool
	execErr   error
	createErr error
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{execs: make(map[string][]string), killed: make(map[string]bool)}
}

func (f *fakeSessionManager) CreateSession(ctx context.Context, name, workingDir string, env map[string]string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return name, nil
}
func (f *fakeSessionManager) ExecInSession(ctx context.Context, sessionID, commandLine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.execs[sessionID] = append(f.execs[sessionID], commandLine)
	return nil
}
func (f *fakeSessionManager) KillSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[sessionID] = true
	return nil
}
func (f *fakeSessionManager) SendSignal(ctx context.Context, sessionID string, sig session.Signal) error {
	return nil
}
func (f *fakeSessionManager) ListSessions(ctx context.Context) ([]session.Info, error) {
	return nil, nil
}
func (f *fakeSessionManager) Inspect(ctx context.Context, sessionID string) (session.Info, error) {
	return session.Info{}, nil
}
func (f *fakeSessionManager) CaptureOutput(ctx context.Context, sessionID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeSessionManager) Events() <-chan session.TerminatedEvent { return nil }
func (f *fakeSessionManager) Close() error                          { return nil }

// alwaysHealthyProber never fails, so the health monitor never triggers the
// recovery loop during tests that aren't exercising it directly.
type alwaysHealthyProber struct{}

func (alwaysHealthyProber) Probe(ctx context.Context, agentID string) (health.ProbeResult, error) {
	return health.ProbeResult{}, nil
}

func newTestController(t *testing.T, sessionMgr session.Manager) (*lifecycle.Controller, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		StateDir:  dir,
		LogDir:    dir,
		MaxAgents: 4,
		Health:    config.HealthConfig{IntervalMS: 50, TimeoutMS: 20, MaxFailures: 3},
	}
	stream := events.NewStream(logging.Default())
	messageBus := bus.New(bus.Config{}, stream, nil, logging.Default())
	healthMonitor := health.New(alwaysHealthyProber{}, stream, health.DefaultThresholds(), logging.Default())

	c := lifecycle.New(cfg, sessionMgr, messageBus, healthMonitor, stream, logging.Default())
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return c, cfg
}

func workerConfig() model.Config {
	return model.Config{Type: model.AgentTypeWorker, MaxConcurrentTasks: 1}
}

func writeRunningState(t *testing.T, stateDir, id string) {
	t.Helper()
	writeLauncherState(t, stateDir, id, "running")
}

func writeStoppedState(t *testing.T, stateDir, id string) {
	t.Helper()
	writeLauncherState(t, stateDir, id, "stopped")
}

func writeLauncherState(t *testing.T, stateDir, id, status string) {
	t.Helper()
	st := launcherstate.State{ID: id, Type: "worker", Status: status, PID: 1}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(launcherstate.StatePath(stateDir, id), data, 0o644))
}

func TestCreateAgentRejectsInvalidConfig(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	_, err := c.CreateAgent(context.Background(), "a1", model.Config{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.InvalidArgument))
}

func TestCreateAgentRejectsOverCapacity(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, _ := newTestController(t, sessionMgr)
	// MaxAgents is 4 in newTestController's default config.
	for i := 0; i < 4; i++ {
		_, err := c.CreateAgent(context.Background(), idFor(i), workerConfig())
		require.NoError(t, err)
	}
	_, err := c.CreateAgent(context.Background(), "overflow", workerConfig())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Conflict))
}

func idFor(i int) string {
	return string(rune('a' + i))
}

func TestCreateStartStopLifecycle(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	rec, err := c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)

	writeRunningState(t, cfg.StateDir, "a1")

	require.NoError(t, c.StartAgent(ctx, "a1"))
	rec, err = c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)

	require.NoError(t, c.StopAgent(ctx, "a1", false))
	rec, err = c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rec.Status)
}

func TestStartAgentFromRunningIsRejected(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	err = c.StartAgent(ctx, "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Conflict))
}

func TestPauseResumeRoundTrip(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	require.NoError(t, c.PauseAgent(ctx, "a1"))
	rec, err := c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, rec.Status)

	require.NoError(t, c.ResumeAgent(ctx, "a1"))
	rec, err = c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
}

func TestPauseFromPendingIsRejected(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	err = c.PauseAgent(ctx, "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Conflict))
}

func TestCheckpointRollbackRoundTrip(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	_, err = c.ExecuteTask(ctx, "a1", taskFor("t1"))
	require.NoError(t, err)

	cpID, err := c.CreateCheckpoint("a1", "before second task")
	require.NoError(t, err)
	require.NotEmpty(t, cpID)

	_, err = c.ExecuteTask(ctx, "a1", taskFor("t2"))
	require.NoError(t, err)

	require.NoError(t, c.Rollback("a1", cpID))

	// status is unaffected by rollback (§9 open question resolution).
	rec, err := c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
}

func TestRollbackUnknownCheckpointIsNotFound(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	err = c.Rollback("a1", "does-not-exist")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestCheckpointEvictsOldestPastTen(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	var first string
	for i := 0; i < 12; i++ {
		id, err := c.CreateCheckpoint("a1", "cp")
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
	}

	err = c.Rollback("a1", first)
	require.Error(t, err, "the first checkpoint should have been evicted once 10 were exceeded")
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestExecuteTaskWritesBackMetricsToRecord(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	rec, err := c.Snapshot("a1")
	require.NoError(t, err)
	assert.Zero(t, rec.Metrics.TasksCompleted)

	_, err = c.ExecuteTask(ctx, "a1", taskFor("t1"))
	require.NoError(t, err)

	rec, err = c.Snapshot("a1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Metrics.TasksCompleted)
	assert.False(t, rec.Metrics.LastActivityAt.IsZero())
}

func TestHealthProbesWriteBackToRecord(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := c.Snapshot("a1")
		require.NoError(t, err)
		return !rec.Health.LastHeartbeat.IsZero()
	}, time.Second, 10*time.Millisecond, "health monitor should write a sample back into the record")
}

func TestExecuteTaskRejectsWhenNotRunning(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	_, err = c.ExecuteTask(ctx, "a1", taskFor("t1"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.Conflict))
}

func TestRemoveAgentStopsThenDeletesEntry(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	require.NoError(t, c.RemoveAgent(ctx, "a1"))
	_, err = c.Snapshot("a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestShutdownIsIdempotentAndStopsRunningAgents(t *testing.T) {
	sessionMgr := newFakeSessionManager()
	c, cfg := newTestController(t, sessionMgr)
	ctx := context.Background()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)
	writeRunningState(t, cfg.StateDir, "a1")
	require.NoError(t, c.StartAgent(ctx, "a1"))

	// Make the wrapper's cooperative-shutdown poll observe "stopped"
	// immediately instead of waiting out the full graceful timeout.
	writeStoppedState(t, cfg.StateDir, "a1")

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx)) // idempotent

	rec, err := c.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rec.Status)
}

func TestEventsStreamReceivesAgentCreated(t *testing.T) {
	c, _ := newTestController(t, newFakeSessionManager())
	ctx := context.Background()

	ch, unsubscribe := c.Events(ctx)
	defer unsubscribe()

	_, err := c.CreateAgent(ctx, "a1", workerConfig())
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.AgentCreated, ev.Kind)
		assert.Equal(t, "a1", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent_created event")
	}
}

func taskFor(id string) wrapper.Task {
	return wrapper.Task{ID: id, Type: wrapper.TaskCode, Prompt: "noop", TimeoutMS: 1000}
}
