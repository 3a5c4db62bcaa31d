// Command mockagent is a stand-in external agent process that speaks the
// launcher contract of §6: it maintains the state file and shutdown-signal
// file the Health Monitor and Agent Wrapper expect, and optionally serves a
// health body on its derived TCP port. It exists for exercising the
// supervisor core end-to-end without a real model-backed agent process; the
// specification is explicit that randomised failure injection is test
// scaffolding and must never reach a production launcher (§9), so none is
// present here — this binary is deliberately well-behaved.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kandev/agentsupervisor/internal/atomicfile"
	"github.com/kandev/agentsupervisor/internal/launcherstate"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: mockagent <agent-id> <agent-type>")
		os.Exit(2)
	}
	agentID, agentType := os.Args[1], os.Args[2]

	stateDir := envOr("STATE_DIR", "./state")
	logDir := envOr("LOG_DIR", "./logs")

	for _, dir := range []string{stateDir, logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "mockagent: create dir %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	logFile, err := os.OpenFile(launcherstate.LogPath(logDir, agentID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	started := time.Now().UTC()
	workingDir, _ := os.Getwd()

	logLine(logFile, "info", fmt.Sprintf("mockagent starting id=%s type=%s", agentID, agentType))

	listener, probePort := startProbeServer(agentID)
	if listener != nil {
		defer listener.Close()
		logLine(logFile, "info", fmt.Sprintf("health probe listening on :%d", probePort))
	}

	var commandsExecuted int64
	writeState := func(status string) {
		st := launcherstate.State{
			ID:               agentID,
			Type:             agentType,
			Status:           status,
			PID:              os.Getpid(),
			StartedAt:        started,
			WorkingDirectory: workingDir,
			LogFile:          launcherstate.LogPath(logDir, agentID),
			Environment:      map[string]string{},
			Metrics: launcherstate.LauncherMetrics{
				CommandsExecuted: commandsExecuted,
				UptimeSeconds:    time.Since(started).Seconds(),
				MemoryUsageMB:    48.0,
				CPUUsagePct:      2.5,
			},
		}
		data, err := json.Marshal(st)
		if err != nil {
			logLine(logFile, "error", fmt.Sprintf("marshal state: %v", err))
			return
		}
		if err := atomicfile.Write(launcherstate.StatePath(stateDir, agentID), data, 0o644); err != nil {
			logLine(logFile, "error", fmt.Sprintf("write state: %v", err))
		}
	}

	writeState("running")
	logLine(logFile, "info", "ready")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	shutdownPath := launcherstate.ShutdownSignalPath(stateDir, agentID)

	for range ticker.C {
		commandsExecuted++
		if _, err := os.Stat(shutdownPath); err == nil {
			logLine(logFile, "info", "shutdown signal observed, stopping")
			writeState("stopped")
			_ = launcherstate.ClearShutdownSignal(stateDir, agentID)
			return
		}
		writeState("running")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLine(w *os.File, level, msg string) {
	fmt.Fprintf(w, "[%s] [%s] %s\n", time.Now().UTC().Format(time.RFC3339), level, msg)
}

// startProbeServer opens the derived TCP health port (§6) and serves a
// fixed JSON body to any connection. Binding failure is non-fatal: the
// state-file probe always remains sufficient (§9).
func startProbeServer(agentID string) (net.Listener, int) {
	port := launcherstate.ProbePort(agentID)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, 0
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			json.NewEncoder(conn).Encode(map[string]float64{"memoryPct": 12.0, "cpuPct": 3.0})
			conn.Close()
		}
	}()
	return ln, port
}
