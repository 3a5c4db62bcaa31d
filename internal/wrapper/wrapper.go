// Package wrapper implements the Agent Wrapper (§4.2): one instance per
// agent, owning its working directory, environment, current task, metrics,
// and serializable state, translating typed task submissions into launcher
// invocations run inside a Session Manager session.
package wrapper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/launcherstate"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
	"github.com/kandev/agentsupervisor/internal/session"
)

// DefaultLauncherCommand is the external launcher script the wrapper
// invokes (§6). It is parameterised by agent id and type.
const DefaultLauncherCommand = "agent-launcher"

// RateLimiter enforces a caller-supplied ceiling against recent activity; it
// is a local, non-blocking hook (§4.2), never called on the critical path of
// task execution itself.
type RateLimiter interface {
	Allow(conversationLog []ConversationEntry, ceiling int) bool
}

// CostSink receives cost-tracking events; also a local hook (§4.2). The
// wrapper accepts a nil sink, in which case TrackCost only adds to the
// wrapper's own CostMicros counter and emits no event.
type CostSink interface {
	TrackCost(agentID, operation string, amountMicros int64)
}

// Wrapper is one Agent Wrapper instance (§4.2).
type Wrapper struct {
	id            string
	agentType     model.AgentType
	sessionID     string
	sessionMgr    session.Manager
	stateDir      string
	logDir        string
	launcherCmd   string
	costSink      CostSink
	logger        *logging.Logger

	mu       sync.Mutex
	state    AgentState
	busy     bool
	paused   bool
	started  bool
}

// New constructs a Wrapper for agentID, attempting to load any prior
// persisted state for it (§4.2). workingDir/env seed the state when no prior
// state is found.
func New(id string, agentType model.AgentType, sessionMgr session.Manager, sessionID, stateDir, logDir string, workingDir string, env map[string]string, costSink CostSink, log *logging.Logger) *Wrapper {
	w := &Wrapper{
		id:          id,
		agentType:   agentType,
		sessionID:   sessionID,
		sessionMgr:  sessionMgr,
		stateDir:    stateDir,
		logDir:      logDir,
		launcherCmd: DefaultLauncherCommand,
		costSink:    costSink,
		logger:      log.WithAgent(id),
	}

	if prior, ok := loadPersisted(stateDir, id); ok {
		w.state = *prior
	} else {
		w.state = AgentState{WorkingDirectory: workingDir, Environment: copyEnv(env)}
	}
	return w
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// StartCommand returns the exact command line that launches this agent
// inside a fresh session (§4.2): the launcher script parameterised by agent
// id and type.
func (w *Wrapper) StartCommand() string {
	return fmt.Sprintf("%s %s %s", w.launcherCmd, w.id, w.agentType)
}

// IsReady is a non-blocking probe that is true iff MarkStarted has been
// called and the launcher's state file reports status "running" (§4.2, §6).
func (w *Wrapper) IsReady(ctx context.Context) bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	st, err := launcherstate.Read(w.stateDir, w.id)
	if err != nil {
		return false
	}
	return launcherstate.IsReady(st)
}

// MarkStarted records that StartCommand has been executed in a session, so
// IsReady knows to start checking for a state file.
func (w *Wrapper) MarkStarted() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
}

// ExecuteTask blocks until task terminates. It fails immediately with a
// Conflict-kind "busy" error if another task is already in flight, and with
// a Conflict-kind "paused" error if the wrapper is paused (§4.2, invariant
// "at most one task" in §3 / §8.3).
func (w *Wrapper) ExecuteTask(ctx context.Context, task Task) (*Result, error) {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return nil, apperrors.New(apperrors.Conflict, "execute_task", "wrapper is paused")
	}
	if w.busy {
		w.mu.Unlock()
		return nil, apperrors.New(apperrors.Conflict, "execute_task", "agent is busy with another task")
	}
	w.busy = true
	t := task
	w.state.CurrentTask = &t
	w.appendCommandLocked(task.Prompt)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.state.CurrentTask = nil
		w.mu.Unlock()
	}()

	started := time.Now().UTC()
	result := w.runTask(ctx, task, started)

	w.mu.Lock()
	w.appendConversationLocked("task", task.Prompt)
	w.appendConversationLocked("agent", result.Output)
	if result.Status == ResultSuccess {
		w.state.TasksCompleted++
	}
	w.state.RuntimeMS += result.Duration().Milliseconds()
	snapshot := w.state.clone()
	w.mu.Unlock()

	if err := persist(w.stateDir, w.id, snapshot); err != nil {
		w.logger.Warn("failed to persist wrapper state", zap.Error(err))
	}

	if result.Err != nil {
		return &result, apperrors.Wrap(apperrors.ExternalFailure, "execute_task", "task execution failed", result.Err)
	}
	return &result, nil
}

// runTask dispatches on task type; every type shares the lifecycle described
// in §4.2. Dispatch itself is a thin seam — the actual work happens inside
// the already-running agent process via the session, reached by writing the
// task prompt into the session (the same channel StartCommand used to boot
// it).
func (w *Wrapper) runTask(ctx context.Context, task Task, started time.Time) Result {
	deadline := time.Duration(task.TimeoutMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.sessionMgr.ExecInSession(taskCtx, w.sessionID, task.Prompt)
	}()

	select {
	case err := <-done:
		finished := time.Now().UTC()
		if err != nil {
			return Result{TaskID: task.ID, Status: ResultFailure, Err: err, Started: started, Finished: finished}
		}
		return Result{TaskID: task.ID, Status: ResultSuccess, Output: "dispatched", Started: started, Finished: finished}
	case <-taskCtx.Done():
		finished := time.Now().UTC()
		if ctx.Err() != nil {
			return Result{TaskID: task.ID, Status: ResultCancelled, Err: ctx.Err(), Started: started, Finished: finished}
		}
		return Result{TaskID: task.ID, Status: ResultTimeout, Err: taskCtx.Err(), Started: started, Finished: finished}
	}
}

// Pause suspends the agent's work via a job-control signal to its session.
// Idempotent (§4.2).
func (w *Wrapper) Pause(ctx context.Context) error {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return nil
	}
	w.paused = true
	w.mu.Unlock()
	return w.sessionMgr.SendSignal(ctx, w.sessionID, session.SignalStop)
}

// Resume reverses Pause. Idempotent (§4.2).
func (w *Wrapper) Resume(ctx context.Context) error {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return nil
	}
	w.paused = false
	w.mu.Unlock()
	return w.sessionMgr.SendSignal(ctx, w.sessionID, session.SignalContinue)
}

// Shutdown requests cooperative termination, waits up to 5s, then forces
// termination (§4.2).
func (w *Wrapper) Shutdown(ctx context.Context) error {
	if err := launcherstate.RequestShutdown(w.stateDir, w.id); err != nil {
		w.logger.Warn("failed to write shutdown signal file", zap.Error(err))
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.sessionMgr.SendSignal(context.Background(), w.sessionID, session.SignalTerminate)
		case <-deadline.C:
			return w.sessionMgr.SendSignal(context.Background(), w.sessionID, session.SignalTerminate)
		case <-ticker.C:
			st, err := launcherstate.Read(w.stateDir, w.id)
			if err == nil && st.Status == "stopped" {
				return nil
			}
		}
	}
}

// CaptureState serializes the wrapper's complete current state (§4.2).
func (w *Wrapper) CaptureState() AgentState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.clone()
}

// RestoreState loads a previously captured state. After RestoreState the
// wrapper behaves as though it had accumulated the captured history (§4.2,
// §8.4).
func (w *Wrapper) RestoreState(state AgentState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state.clone()
}

// CheckRateLimit consults the recent conversation log against a
// caller-supplied ceiling via limiter. It never blocks the critical path
// itself; callers choose whether to act on the result (§4.2).
func (w *Wrapper) CheckRateLimit(limiter RateLimiter, ceiling int) bool {
	if limiter == nil {
		return true
	}
	w.mu.Lock()
	log := append([]ConversationEntry(nil), w.state.ConversationLog...)
	w.mu.Unlock()
	return limiter.Allow(log, ceiling)
}

// TrackCost emits a cost-tracking event via the configured sink, and
// accumulates it into the wrapper's own cost counter (§3 metrics.cost).
func (w *Wrapper) TrackCost(operation string, amountMicros int64) {
	w.mu.Lock()
	w.state.CostMicros += amountMicros
	w.mu.Unlock()
	if w.costSink != nil {
		w.costSink.TrackCost(w.id, operation, amountMicros)
	}
}

// Metrics returns a snapshot suitable for the agent registry's Record.Metrics
// field (§3).
func (w *Wrapper) Metrics() model.Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return model.Metrics{
		TasksCompleted: w.state.TasksCompleted,
		RuntimeMS:      w.state.RuntimeMS,
		CostMicros:     w.state.CostMicros,
		LastActivityAt: time.Now().UTC(),
	}
}

func (w *Wrapper) appendCommandLocked(command string) {
	w.state.CommandLog = append(w.state.CommandLog, CommandLogEntry{At: time.Now().UTC(), Command: command})
	if len(w.state.CommandLog) > maxCommandLog {
		w.state.CommandLog = w.state.CommandLog[len(w.state.CommandLog)-maxCommandLog:]
	}
}

func (w *Wrapper) appendConversationLocked(role, content string) {
	w.state.ConversationLog = append(w.state.ConversationLog, ConversationEntry{At: time.Now().UTC(), Role: role, Content: content})
	if len(w.state.ConversationLog) > maxConversationLog {
		w.state.ConversationLog = w.state.ConversationLog[len(w.state.ConversationLog)-maxConversationLog:]
	}
}
