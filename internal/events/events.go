// Package events implements the Lifecycle Controller's ordered event stream
// as a single tagged variant over a closed enumeration, per the design note
// in §9 ("event-emitter pattern -> typed event stream"). Unlike the ad-hoc
// opaque-payload emitters this replaces, every Kind here has a name and a
// documented payload shape, and delivery preserves submission order.
package events

import "time"

// Kind enumerates every event the Lifecycle Controller's stream can carry
// (§4.5) plus the Health Monitor and Message Bus events it relays on their
// behalf (§4.3, §4.4).
type Kind string

const (
	AgentCreated        Kind = "agent_created"
	AgentStarted        Kind = "agent_started"
	AgentStopped        Kind = "agent_stopped"
	AgentRemoved        Kind = "agent_removed"
	AgentStatusChanged  Kind = "agent_status_changed"
	AgentMessage        Kind = "agent_message"
	AgentCheckpoint     Kind = "agent_checkpoint"
	AgentRollback       Kind = "agent_rollback"
	AgentRecovered      Kind = "agent_recovered"
	AgentFailed         Kind = "agent_failed"
	AgentUnhealthy      Kind = "agent_unhealthy"
	SystemDegraded      Kind = "system_degraded"
	SessionTerminated   Kind = "session_terminated"
	MessageExpired      Kind = "expired"
	MessageRetryFailed  Kind = "retry_failed"
	QueueSoftLimit      Kind = "queue_soft_limit"
	RecoveryFailed      Kind = "recovery_failed"
)

// Event is the envelope delivered on the stream. Payload's concrete type is
// determined by Kind (documented per constructor below); consumers that
// cross a process boundary must tolerate unknown keys when Payload is
// marshalled to JSON (§6).
type Event struct {
	Kind      Kind
	Timestamp time.Time
	AgentID   string
	Payload   any
}

// StatusChangedPayload is carried by the AgentStatusChanged events the
// Lifecycle Controller publishes on a state-machine transition.
type StatusChangedPayload struct {
	From string
	To   string
}

// AlertSeverity classifies Health Monitor alerts (§4.3).
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
	SeverityRecovery AlertSeverity = "recovery"
)

// AlertPayload is carried by the AgentStatusChanged events the Health Monitor
// publishes for its alerts; AgentUnhealthy and AgentRecovered carry no payload.
type AlertPayload struct {
	Severity AlertSeverity
	Reason   string
}
