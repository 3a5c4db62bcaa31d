// Package launcherstate implements the launcher contract's wire format
// (§6): the JSON state file and shutdown-signal file every external agent
// process is expected to maintain, and the health probe endpoint port
// derivation. This package only reads what the launcher writes; the launcher
// script itself is an external collaborator (§1).
package launcherstate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kandev/agentsupervisor/internal/apperrors"
)

// LauncherMetrics mirrors the metrics object the launcher reports inside the
// agent state file.
type LauncherMetrics struct {
	CommandsExecuted int64   `json:"commandsExecuted"`
	UptimeSeconds    float64 `json:"uptime"`
	MemoryUsageMB    float64 `json:"memoryUsage"`
	CPUUsagePct      float64 `json:"cpuUsage"`
}

// State is the launcher-maintained state file for one agent (§6).
type State struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	PID              int               `json:"pid"`
	StartedAt        time.Time         `json:"startedAt"`
	WorkingDirectory string            `json:"workingDirectory"`
	LogFile          string            `json:"logFile"`
	Environment      map[string]string `json:"environment"`
	Metrics          LauncherMetrics   `json:"metrics"`
}

// StatePath returns the fixed path for an agent's launcher state file.
func StatePath(stateDir, agentID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("agent-%s.json", agentID))
}

// ShutdownSignalPath returns the fixed path for an agent's cooperative
// shutdown-request file.
func ShutdownSignalPath(stateDir, agentID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("shutdown-%s", agentID))
}

// LogPath returns the fixed path for an agent's line-oriented log file.
func LogPath(logDir, agentID string) string {
	return filepath.Join(logDir, fmt.Sprintf("agent-%s.log", agentID))
}

// Read loads and parses an agent's launcher state file. A missing file is
// reported as apperrors.NotFound; a present-but-unparseable file is reported
// as apperrors.ExternalFailure (§7), matching "unparseable agent state file"
// in the error taxonomy.
func Read(stateDir, agentID string) (*State, error) {
	path := StatePath(stateDir, agentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.NotFound, "read_launcher_state", "no state file for agent", err)
		}
		return nil, apperrors.Wrap(apperrors.ExternalFailure, "read_launcher_state", "failed to read state file", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, apperrors.Wrap(apperrors.ExternalFailure, "read_launcher_state", "unparseable agent state file", err)
	}
	return &st, nil
}

// IsReady reports whether a launcher state represents a running agent,
// the wire definition of readiness in §6.
func IsReady(st *State) bool {
	return st != nil && st.Status == "running"
}

// RequestShutdown touches the shutdown-signal file, asking the agent to
// cooperatively terminate (§6).
func RequestShutdown(stateDir, agentID string) error {
	path := ShutdownSignalPath(stateDir, agentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.ExternalFailure, "request_shutdown", "failed to write shutdown signal", err)
	}
	return f.Close()
}

// ClearShutdownSignal removes the shutdown-signal file, if present. It is
// idempotent.
func ClearShutdownSignal(stateDir, agentID string) error {
	err := os.Remove(ShutdownSignalPath(stateDir, agentID))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ExternalFailure, "clear_shutdown_signal", "failed to remove shutdown signal", err)
	}
	return nil
}

// ProbePort derives the optional TCP health-endpoint port from the agent id
// (§6). The source hashed only the first four bytes of the id, which
// collides for short ids (§9); this implementation hashes the whole id with
// SHA-256 to avoid that, while keeping the same derivation shape
// (8000 + hash mod 1000). The TCP probe is always an enrichment over the
// state-file probe, never a substitute for it (§9).
func ProbePort(agentID string) int {
	sum := sha256.Sum256([]byte(agentID))
	h := binary.BigEndian.Uint32(sum[:4])
	return 8000 + int(h%1000)
}
