// Package lifecycle implements the Lifecycle Controller (§4.5): the sole
// write path over the agent registry, composing the Session Manager, Agent
// Wrapper, Health Monitor, and Message Bus, and enforcing the agent state
// machine.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/bus"
	"github.com/kandev/agentsupervisor/internal/config"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/health"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
	"github.com/kandev/agentsupervisor/internal/session"
	"github.com/kandev/agentsupervisor/internal/wrapper"
)

// readinessPollInterval is how often start_agent polls is_ready while
// bounded by the 30s readiness wait (§4.5, §5).
const readinessPollInterval = 250 * time.Millisecond

// readinessTimeout bounds start_agent's wait for the agent to signal ready.
const readinessTimeout = 30 * time.Second

// gracefulStopTimeout bounds stop_agent's wait for cooperative shutdown
// before the session is killed outright.
const gracefulStopTimeout = 5 * time.Second

// recoveryRestartDelay is the pause between stopping and restarting an
// agent during automated recovery (§4.5).
const recoveryRestartDelay = 2 * time.Second

// recoveryFailureCeiling is the consecutive-failure count past which
// recovery gives up and fails the agent instead of restarting it (§4.5).
const recoveryFailureCeiling = 3

// Controller is the Lifecycle Controller (§4.5).
type Controller struct {
	cfg        config.Config
	sessionMgr session.Manager
	bus        *bus.Bus
	health     *health.Monitor
	stream     *events.Stream
	logger     *logging.Logger

	registry *registry

	shutdownOnce sync.Once
	shutdownErr  error
	recoveryDone chan struct{}
}

// New constructs a Controller wired to its four collaborators and starts its
// recovery loop.
func New(cfg config.Config, sessionMgr session.Manager, messageBus *bus.Bus, healthMonitor *health.Monitor, stream *events.Stream, log *logging.Logger) *Controller {
	c := &Controller{
		cfg:          cfg,
		sessionMgr:   sessionMgr,
		bus:          messageBus,
		health:       healthMonitor,
		stream:       stream,
		logger:       log.With(zap.String("component", "lifecycle-controller")),
		registry:     newRegistry(),
		recoveryDone: make(chan struct{}),
	}
	healthMonitor.SetSink(c)
	go c.recoveryLoop(context.Background())
	return c
}

// RecordHealth implements health.Sink: it writes the monitor's latest
// sample into id's record (§3, §4.5). A sample racing agent removal is
// silently dropped, not an error.
func (c *Controller) RecordHealth(id string, h model.Health) {
	_ = c.registry.updateHealth(id, h)
}

// Events exposes the controller's ordered event stream (§4.5). Subscribers
// receive events from this point forward, not a snapshot.
func (c *Controller) Events(ctx context.Context) (<-chan events.Event, func()) {
	return c.stream.Subscribe(ctx)
}

// Snapshot returns a copy of the agent record for id (the read API referred
// to in §4.5).
func (c *Controller) Snapshot(id string) (model.Record, error) {
	return c.registry.snapshot(id)
}

// AgentIDs returns every currently registered agent id.
func (c *Controller) AgentIDs() []string {
	return c.registry.ids()
}

// CreateAgent registers a new agent, provisions its session and wrapper, and
// subscribes it to the health monitor and message bus (§4.5).
func (c *Controller) CreateAgent(ctx context.Context, id string, cfg model.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.InvalidArgument, "create_agent", "invalid agent config", err)
	}
	if c.registry.count() >= c.cfg.MaxAgents {
		return "", apperrors.New(apperrors.Conflict, "create_agent", "agent registry is at max capacity")
	}

	workingDir := fmt.Sprintf("%s/%s", c.cfg.StateDir, id)
	sessionID, err := c.sessionMgr.CreateSession(ctx, id, workingDir, cfg.Environment)
	if err != nil {
		return "", err
	}

	w := wrapper.New(id, cfg.Type, c.sessionMgr, sessionID, c.cfg.StateDir, c.cfg.LogDir, workingDir, cfg.Environment, nil, c.logger)

	if err := c.health.Register(id, health.RegisterConfig{
		IntervalMS:  int64(c.cfg.Health.IntervalMS),
		TimeoutMS:   int64(c.cfg.Health.TimeoutMS),
		MaxFailures: c.cfg.Health.MaxFailures,
	}); err != nil {
		_ = c.sessionMgr.KillSession(ctx, sessionID)
		return "", err
	}

	if err := c.bus.Subscribe(ctx, id); err != nil {
		c.health.Unregister(id)
		_ = c.sessionMgr.KillSession(ctx, sessionID)
		return "", err
	}

	rec := model.Record{
		ID:        id,
		Config:    cfg,
		SessionID: sessionID,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.registry.create(id, rec, w); err != nil {
		c.health.Unregister(id)
		_ = c.bus.Unsubscribe(id)
		_ = c.sessionMgr.KillSession(ctx, sessionID)
		return "", err
	}

	c.stream.Publish(events.AgentCreated, id, nil)
	return id, nil
}

func (c *Controller) transition(e *entry, id string, to model.Status, force bool) error {
	from := e.record.Status
	if !canTransition(from, to, force) {
		return apperrors.New(apperrors.Conflict, "transition", fmt.Sprintf("invalid transition %s -> %s", from, to))
	}
	e.record.Status = to
	c.stream.Publish(events.AgentStatusChanged, id, events.StatusChangedPayload{From: string(from), To: string(to)})
	return nil
}

// StartAgent moves an agent from pending/stopped/error to running, polling
// readiness for up to 30s (§4.5).
func (c *Controller) StartAgent(ctx context.Context, id string) (err error) {
	ctx, endSpan := startSpan(ctx, "lifecycle.start_agent", id)
	defer func() { endSpan(err) }()

	e, err := c.registry.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := c.transition(e, id, model.StatusStarting, false); err != nil {
		e.mu.Unlock()
		return err
	}
	sessionID := e.record.SessionID
	w := e.wrapper
	e.mu.Unlock()

	if err := c.sessionMgr.ExecInSession(ctx, sessionID, w.StartCommand()); err != nil {
		e.mu.Lock()
		_ = c.transition(e, id, model.StatusError, true)
		e.mu.Unlock()
		return apperrors.Wrap(apperrors.ExternalFailure, "start_agent", "failed to exec start command", err)
	}
	w.MarkStarted()

	ready, err := c.pollReady(ctx, w)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil || !ready {
		_ = c.transition(e, id, model.StatusError, true)
		if err == nil {
			err = apperrors.New(apperrors.Timeout, "start_agent", "agent did not become ready within 30s")
		}
		return err
	}

	if err := c.transition(e, id, model.StatusRunning, false); err != nil {
		return err
	}
	c.stream.Publish(events.AgentStarted, id, nil)
	return nil
}

func (c *Controller) pollReady(ctx context.Context, w *wrapper.Wrapper) (bool, error) {
	deadline := time.Now().Add(readinessTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		if w.IsReady(ctx) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, apperrors.Wrap(apperrors.Cancelled, "start_agent", "readiness wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// StopAgent moves a running/paused agent to stopped, gracefully or by
// force-killing its session (§4.5).
func (c *Controller) StopAgent(ctx context.Context, id string, graceful bool) (err error) {
	ctx, endSpan := startSpan(ctx, "lifecycle.stop_agent", id)
	defer func() { endSpan(err) }()

	e, err := c.registry.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if err := c.transition(e, id, model.StatusStopping, false); err != nil {
		e.mu.Unlock()
		return err
	}
	sessionID := e.record.SessionID
	w := e.wrapper
	e.mu.Unlock()

	if graceful {
		shutdownCtx, cancel := context.WithTimeout(ctx, gracefulStopTimeout)
		_ = w.Shutdown(shutdownCtx)
		cancel()
	}
	if err := c.sessionMgr.KillSession(ctx, sessionID); err != nil {
		c.logger.Warn("kill session failed during stop", zap.String("agent_id", id), zap.Error(err))
	}

	e.mu.Lock()
	_ = c.transition(e, id, model.StatusStopped, true)
	e.mu.Unlock()

	c.health.Unregister(id)
	_ = c.bus.Unsubscribe(id)
	c.stream.Publish(events.AgentStopped, id, nil)
	return nil
}

// PauseAgent is valid only from running (§4.5).
func (c *Controller) PauseAgent(ctx context.Context, id string) error {
	e, err := c.registry.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.transition(e, id, model.StatusPaused, false); err != nil {
		return err
	}
	return e.wrapper.Pause(ctx)
}

// ResumeAgent is valid only from paused (§4.5).
func (c *Controller) ResumeAgent(ctx context.Context, id string) error {
	e, err := c.registry.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.transition(e, id, model.StatusRunning, false); err != nil {
		return err
	}
	return e.wrapper.Resume(ctx)
}

// RemoveAgent force-stops a non-stopped agent, then deletes its registry
// entry (§4.5).
func (c *Controller) RemoveAgent(ctx context.Context, id string) error {
	e, err := c.registry.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	status := e.record.Status
	e.mu.Unlock()

	if status == model.StatusRunning || status == model.StatusPaused {
		if err := c.StopAgent(ctx, id, false); err != nil {
			return err
		}
	} else if status != model.StatusStopped {
		// pending/starting/stopping/error have no edge to stopping, so the
		// teardown is done here and the stopped status is forced.
		e.mu.Lock()
		sessionID := e.record.SessionID
		_ = c.transition(e, id, model.StatusStopped, true)
		e.mu.Unlock()
		_ = c.sessionMgr.KillSession(ctx, sessionID)
		c.health.Unregister(id)
		_ = c.bus.Unsubscribe(id)
	}
	c.registry.remove(id)
	c.stream.Publish(events.AgentRemoved, id, nil)
	return nil
}

// CreateCheckpoint captures the wrapper's current state and appends it to
// the agent's checkpoint sequence, evicting the oldest past 10 (§4.5, §8.5).
func (c *Controller) CreateCheckpoint(id, description string) (string, error) {
	e, err := c.registry.get(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.wrapper.CaptureState()
	blob, err := json.Marshal(state)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ExternalFailure, "create_checkpoint", "failed to serialize agent state", err)
	}

	cp := model.Checkpoint{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		State:       blob,
		Description: description,
	}
	e.record.AppendCheckpoint(cp)
	c.stream.Publish(events.AgentCheckpoint, id, cp.ID)
	return cp.ID, nil
}

// Rollback restores a prior checkpoint's state without altering the agent's
// state-machine status (§4.5, §9 "ambiguous: whether rollback should change
// status" is resolved here to "no").
func (c *Controller) Rollback(id, checkpointID string) error {
	e, err := c.registry.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.record.FindCheckpoint(checkpointID)
	if !ok {
		return apperrors.New(apperrors.NotFound, "rollback", "unknown checkpoint id")
	}

	var state wrapper.AgentState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "rollback", "failed to deserialize checkpoint", err)
	}
	e.wrapper.RestoreState(state)
	c.stream.Publish(events.AgentRollback, id, checkpointID)
	return nil
}

// ExecuteTask submits a task to a running agent's wrapper, enforcing the
// at-most-one-task-in-flight and not-paused invariants (§3, §4.2).
func (c *Controller) ExecuteTask(ctx context.Context, id string, task wrapper.Task) (*wrapper.Result, error) {
	e, err := c.registry.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	status := e.record.Status
	w := e.wrapper
	e.mu.Unlock()

	if status != model.StatusRunning {
		return nil, apperrors.New(apperrors.Conflict, "execute_task", "agent is not running")
	}
	result, execErr := w.ExecuteTask(ctx, task)
	_ = c.registry.updateMetrics(id, w.Metrics())
	return result, execErr
}

// SendMessage delegates to the Message Bus (§4.5).
func (c *Controller) SendMessage(ctx context.Context, msg *model.Message) error {
	if err := c.bus.Send(ctx, msg); err != nil {
		return err
	}
	c.stream.Publish(events.AgentMessage, msg.SenderID, msg)
	return nil
}

// recoveryLoop implements §4.5's recovery policy: on agent_unhealthy, restart
// if the agent's consecutive failure count is within the ceiling, otherwise
// stop it and emit agent_failed. The Lifecycle Controller is the only
// component authorised to act on this event.
func (c *Controller) recoveryLoop(ctx context.Context) {
	defer close(c.recoveryDone)
	ch, unsubscribe := c.stream.Subscribe(ctx)
	defer unsubscribe()

	for ev := range ch {
		if ev.Kind != events.AgentUnhealthy {
			continue
		}
		c.handleUnhealthy(ctx, ev.AgentID)
	}
}

func (c *Controller) handleUnhealthy(ctx context.Context, id string) {
	failures := c.health.ConsecutiveFailures(id)
	if failures <= recoveryFailureCeiling {
		if err := c.StopAgent(ctx, id, false); err != nil {
			c.logger.Warn("recovery stop failed", zap.String("agent_id", id), zap.Error(err))
			return
		}
		select {
		case <-time.After(recoveryRestartDelay):
		case <-ctx.Done():
			return
		}
		if err := c.StartAgent(ctx, id); err != nil {
			c.logger.Warn("recovery restart failed", zap.String("agent_id", id), zap.Error(err))
			return
		}
		return
	}

	if err := c.StopAgent(ctx, id, false); err != nil {
		c.logger.Warn("recovery give-up stop failed", zap.String("agent_id", id), zap.Error(err))
	}
	c.stream.Publish(events.AgentFailed, id, nil)
}

// Shutdown is idempotent: it requests graceful stop on every registered
// agent in parallel, then tears down the Session Manager, Health Monitor,
// and Message Bus in that order (§4.5). Safe against concurrent callers.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdownLocked(ctx)
	})
	return c.shutdownErr
}

func (c *Controller) shutdownLocked(ctx context.Context) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, id := range c.registry.ids() {
		id := id
		grp.Go(func() error {
			if err := c.StopAgent(grpCtx, id, true); err != nil {
				c.logger.Warn("shutdown stop failed", zap.String("agent_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = grp.Wait()

	if err := c.sessionMgr.Close(); err != nil {
		c.logger.Warn("session manager close failed", zap.Error(err))
	}
	if err := c.health.Close(); err != nil {
		c.logger.Warn("health monitor close failed", zap.Error(err))
	}
	if err := c.bus.Close(); err != nil {
		c.logger.Warn("message bus close failed", zap.Error(err))
	}
	c.stream.Close()
	return nil
}
