// Package model defines the supervisor core's data model: agent records,
// their configuration and runtime health/metrics, and checkpoints (§3 of the
// specification).
package model

import "time"

// AgentType enumerates the three fixed agent types the launcher contract
// recognises (§6).
type AgentType string

const (
	AgentTypeCodingAssistant AgentType = "coding-assistant"
	AgentTypeWorker          AgentType = "worker"
	AgentTypeMonitor         AgentType = "monitor"
)

// Status is the agent state-machine value (§4.5).
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ResourceLimits bounds an agent's resource consumption.
type ResourceLimits struct {
	MemoryCapMB   int   `json:"memoryCapMb"`
	CPUWeight     int   `json:"cpuWeight"`
	TaskTimeoutMS int64 `json:"taskTimeoutMs"`
}

// Config is the caller-supplied configuration for a new agent (part of
// create_agent's input).
type Config struct {
	Type               AgentType         `json:"type"`
	ProjectID          string            `json:"projectId"`
	TaskID             string            `json:"taskId,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	MaxConcurrentTasks int               `json:"maxConcurrentTasks"`
	ResourceLimits     ResourceLimits    `json:"resourceLimits"`
	Environment        map[string]string `json:"environment"`
}

// Validate checks the subset of invariants that are cheap to verify at
// construction time; the Lifecycle Controller is responsible for uniqueness
// and capacity checks that require registry state.
func (c Config) Validate() error {
	switch c.Type {
	case AgentTypeCodingAssistant, AgentTypeWorker, AgentTypeMonitor:
	default:
		return errInvalidType
	}
	if c.MaxConcurrentTasks <= 0 {
		return errInvalidMaxTasks
	}
	return nil
}

// Health tracks the Health Monitor's latest observations for an agent.
type Health struct {
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	LastResponseTimeMS  int64     `json:"lastResponseTimeMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	MemorySamplePct     float64   `json:"memorySamplePct"`
	CPUSamplePct        float64   `json:"cpuSamplePct"`
	LastError           string    `json:"lastError,omitempty"`
}

// Metrics tracks cumulative execution counters for an agent.
type Metrics struct {
	TasksCompleted int64     `json:"tasksCompleted"`
	RuntimeMS      int64     `json:"runtimeMs"`
	CostMicros     int64     `json:"costMicros"` // fixed-point: 1,000,000 = one currency unit
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Checkpoint is a single entry in an agent's checkpoint sequence (§3, §4.5).
type Checkpoint struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	State       []byte    `json:"state"` // opaque serialized AgentState blob
	Description string    `json:"description"`
}

// MaxCheckpoints is the eviction bound N from §3.
const MaxCheckpoints = 10

// Record is the full per-agent registry entry (§3). The Lifecycle Controller
// is the only component that mutates a Record's Status, SessionID and
// Checkpoints; Health and Metrics are updated by the Health Monitor and
// Agent Wrapper respectively under the record's own lock (see the registry
// type in internal/lifecycle).
type Record struct {
	ID        string    `json:"id"`
	Config    Config    `json:"config"`
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	Health    Health    `json:"health"`
	Metrics   Metrics   `json:"metrics"`

	Checkpoints []Checkpoint `json:"checkpoints"`

	CreatedAt time.Time `json:"createdAt"`
}

// AppendCheckpoint appends cp to the record's checkpoint sequence, evicting
// the oldest entry once the sequence would exceed MaxCheckpoints (§3, §8.5).
func (r *Record) AppendCheckpoint(cp Checkpoint) {
	r.Checkpoints = append(r.Checkpoints, cp)
	if len(r.Checkpoints) > MaxCheckpoints {
		r.Checkpoints = r.Checkpoints[len(r.Checkpoints)-MaxCheckpoints:]
	}
}

// FindCheckpoint returns the checkpoint with the given id, if present.
func (r *Record) FindCheckpoint(id string) (Checkpoint, bool) {
	for _, cp := range r.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

var (
	errInvalidType     = validationError("unrecognised agent type")
	errInvalidMaxTasks = validationError("maxConcurrentTasks must be positive")
)

type validationError string

func (e validationError) Error() string { return string(e) }
