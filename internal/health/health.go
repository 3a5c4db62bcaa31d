// Package health implements the Health Monitor (§4.3): periodic liveness
// probes against registered agents, classification into healthy/degraded/
// unhealthy, alerting, and bounded recovery arbitration. The monitor never
// restarts or kills an agent itself — it only classifies and emits events;
// the Lifecycle Controller subscribes and decides (§4.3, §4.5).
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/kandev/agentsupervisor/internal/logging"
	"github.com/kandev/agentsupervisor/internal/model"
)

// Sink receives the write-back of each probe's classification into the
// agent registry (§3, §4.5). The monitor holds no registry state itself and
// is given its sink after construction, since the Lifecycle Controller is
// built from an already-running Monitor.
type Sink interface {
	RecordHealth(agentID string, h model.Health)
}

// Defaults mirror §4.3's registration defaults.
const (
	DefaultIntervalMS   = 30000
	DefaultTimeoutMS    = 10000
	DefaultMaxFailures  = 3
	DefaultRetryDelayMS = 5000
)

// Classification thresholds (§4.3 rule 2/3), expressed as defaults the
// caller may override per-Monitor.
const (
	DefaultCriticalResponseTime = 10 * time.Second
	DefaultCriticalMemoryPct    = 95.0
	DefaultWarningResponseTime  = 5 * time.Second
	DefaultWarningMemoryPct     = 80.0
)

// Status is the monitor's classification of one probe result (§4.3).
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// RegisterConfig parameterises the probe cycle for one agent (§4.3).
type RegisterConfig struct {
	IntervalMS   int64
	TimeoutMS    int64
	MaxFailures  int
	RetryDelayMS int64
}

func (c RegisterConfig) withDefaults() RegisterConfig {
	if c.IntervalMS <= 0 {
		c.IntervalMS = DefaultIntervalMS
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = DefaultTimeoutMS
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = DefaultRetryDelayMS
	}
	return c
}

// ProbeResult is what a Prober reports back for one probe attempt.
type ProbeResult struct {
	ResponseTime time.Duration
	MemoryPct    float64
	CPUPct       float64
}

// Prober performs a single non-destructive health request against an agent
// (§GLOSSARY "Probe"). Implementations typically read the launcher state
// file and optionally dial the derived TCP port (§6).
type Prober interface {
	Probe(ctx context.Context, agentID string) (ProbeResult, error)
}

type agentState struct {
	cfg                 RegisterConfig
	externalStatus      Status // last status visible outside the monitor (healthy/unhealthy)
	consecutiveFailures int
	recoveryAttempts    int
	cancel              context.CancelFunc
}

// Monitor is the Health Monitor (§4.3).
type Monitor struct {
	prober Prober
	stream *events.Stream
	logger *logging.Logger

	thresholds Thresholds

	mu     sync.Mutex
	agents map[string]*agentState
	sink   Sink
	wg     sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Thresholds holds the classification boundaries from §4.3 rules 2 and 3.
type Thresholds struct {
	CriticalResponseTime time.Duration
	CriticalMemoryPct    float64
	WarningResponseTime  time.Duration
	WarningMemoryPct     float64
}

// DefaultThresholds returns the specification's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalResponseTime: DefaultCriticalResponseTime,
		CriticalMemoryPct:    DefaultCriticalMemoryPct,
		WarningResponseTime:  DefaultWarningResponseTime,
		WarningMemoryPct:     DefaultWarningMemoryPct,
	}
}

// New constructs a Monitor and starts its 60s global sweep (§4.3).
func New(prober Prober, stream *events.Stream, thresholds Thresholds, log *logging.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		prober:      prober,
		stream:      stream,
		logger:      log,
		thresholds:  thresholds,
		agents:      make(map[string]*agentState),
		sweepCancel: cancel,
		sweepDone:   make(chan struct{}),
	}
	go m.globalSweepLoop(ctx)
	return m
}

// SetSink installs the registry write-back target. Called once by the
// Lifecycle Controller right after construction.
func (m *Monitor) SetSink(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Register begins probing agentID on its own timer. Re-registering the same
// id is an error (§4.3).
func (m *Monitor) Register(agentID string, cfg RegisterConfig) error {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		return apperrors.New(apperrors.Conflict, "register", "agent already registered with health monitor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &agentState{cfg: cfg, externalStatus: StatusHealthy, cancel: cancel}
	m.agents[agentID] = st
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, agentID)
	return nil
}

// Unregister stops probing agentID. Idempotent.
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (m *Monitor) probeLoop(ctx context.Context, agentID string) {
	defer m.wg.Done()

	m.mu.Lock()
	st := m.agents[agentID]
	interval := time.Duration(st.cfg.IntervalMS) * time.Millisecond
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx, agentID)
		}
	}
}

// runProbe executes one probe and applies the classification and
// alert/event rules of §4.3.
func (m *Monitor) runProbe(ctx context.Context, agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	timeout := time.Duration(st.cfg.TimeoutMS) * time.Millisecond
	maxFailures := st.cfg.MaxFailures
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := m.prober.Probe(probeCtx, agentID)
	cancel()

	status, failed := m.classify(result, err)

	m.mu.Lock()
	st, ok = m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if failed {
		wasHealthy := st.consecutiveFailures == 0
		st.consecutiveFailures++
		if st.consecutiveFailures == 1 && wasHealthy {
			m.emitAlert(agentID, events.SeverityWarning, "degraded")
		}
		if st.consecutiveFailures >= maxFailures && st.externalStatus == StatusHealthy {
			st.externalStatus = StatusUnhealthy
			m.emitAlert(agentID, events.SeverityCritical, "unhealthy")
			m.stream.Publish(events.AgentUnhealthy, agentID, nil)
		}
	} else {
		wasUnhealthy := st.externalStatus == StatusUnhealthy
		st.consecutiveFailures = 0
		st.recoveryAttempts = 0
		st.externalStatus = StatusHealthy
		if wasUnhealthy {
			m.emitAlert(agentID, events.SeverityRecovery, "recovered")
			m.stream.Publish(events.AgentRecovered, agentID, nil)
		}
	}

	consecutive := st.consecutiveFailures
	sink := m.sink
	m.mu.Unlock()

	_ = status // only failures drive externalStatus and alerts; a slow-but-answering probe's classification is not acted on

	if sink == nil {
		return
	}
	sample := model.Health{
		LastHeartbeat:       time.Now().UTC(),
		LastResponseTimeMS:  result.ResponseTime.Milliseconds(),
		ConsecutiveFailures: consecutive,
		MemorySamplePct:     result.MemoryPct,
		CPUSamplePct:        result.CPUPct,
	}
	if err != nil {
		sample.LastError = err.Error()
	}
	sink.RecordHealth(agentID, sample)
}

// classify applies the ordered rules of §4.3.
func (m *Monitor) classify(result ProbeResult, err error) (Status, bool) {
	if err != nil {
		return StatusUnhealthy, true
	}
	if result.ResponseTime >= m.thresholds.CriticalResponseTime || result.MemoryPct >= m.thresholds.CriticalMemoryPct {
		return StatusUnhealthy, false
	}
	if result.ResponseTime >= m.thresholds.WarningResponseTime || result.MemoryPct >= m.thresholds.WarningMemoryPct {
		return StatusDegraded, false
	}
	return StatusHealthy, false
}

func (m *Monitor) emitAlert(agentID string, severity events.AlertSeverity, reason string) {
	m.stream.Publish(events.AgentStatusChanged, agentID, events.AlertPayload{Severity: severity, Reason: reason})
	m.logger.WithAgent(agentID).Warn("health alert", zap.String("severity", string(severity)), zap.String("reason", reason))
}

// AttemptRecovery waits retry_delay_ms, issues one fresh probe, and reports
// whether the agent is now healthy (§4.3). A per-agent counter caps
// consecutive attempts at 3; exceeding it emits recovery_failed.
func (m *Monitor) AttemptRecovery(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.New(apperrors.NotFound, "attempt_recovery", "agent not registered")
	}
	if st.recoveryAttempts >= 3 {
		m.mu.Unlock()
		m.stream.Publish(events.RecoveryFailed, agentID, nil)
		return false, apperrors.New(apperrors.Unavailable, "attempt_recovery", "recovery attempt cap exceeded")
	}
	st.recoveryAttempts++
	delay := time.Duration(st.cfg.RetryDelayMS) * time.Millisecond
	timeout := time.Duration(st.cfg.TimeoutMS) * time.Millisecond
	m.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false, apperrors.Wrap(apperrors.Cancelled, "attempt_recovery", "recovery wait cancelled", ctx.Err())
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := m.prober.Probe(probeCtx, agentID)
	cancel()

	_, failed := m.classify(result, err)
	if !failed {
		m.mu.Lock()
		st.recoveryAttempts = 0
		m.mu.Unlock()
	}
	return !failed, nil
}

// ConsecutiveFailures reports the current failure streak for agentID, used
// by the Lifecycle Controller's recovery loop (§4.5) to decide restart vs
// fail.
func (m *Monitor) ConsecutiveFailures(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.agents[agentID]; ok {
		return st.consecutiveFailures
	}
	return 0
}

// sweepSnapshot is the global aggregate computed every 60s (§4.3).
type sweepSnapshot struct {
	Registered         int
	Healthy            int
	Unhealthy          int
	AverageResponseMS  float64
}

func (m *Monitor) globalSweepLoop(ctx context.Context) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runGlobalSweep()
		}
	}
}

func (m *Monitor) runGlobalSweep() {
	m.mu.Lock()
	total := len(m.agents)
	healthy := 0
	for _, st := range m.agents {
		if st.externalStatus == StatusHealthy {
			healthy++
		}
	}
	m.mu.Unlock()

	if total > 1 && float64(healthy)/float64(total) < 0.5 {
		m.stream.Publish(events.SystemDegraded, "", sweepSnapshot{Registered: total, Healthy: healthy, Unhealthy: total - healthy})
	}
}

// Close stops every probe loop and the global sweep.
func (m *Monitor) Close() error {
	m.mu.Lock()
	for id, st := range m.agents {
		st.cancel()
		delete(m.agents, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.sweepCancel()
	<-m.sweepDone
	return nil
}
