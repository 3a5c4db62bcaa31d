package health

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/launcherstate"
)

// tcpBody is the optional JSON body a probed agent may return on its derived
// port (§6). Absence of the endpoint is not a failure; presence enriches the
// state-file probe with live samples.
type tcpBody struct {
	MemoryPct float64 `json:"memoryPct"`
	CPUPct    float64 `json:"cpuPct"`
}

// LauncherProber implements Prober against the launcher's on-disk state file
// and optional TCP health endpoint (§6). It is the production Prober; a
// production monitor must never fall back to the random-failure simulation
// present in the teacher's agent process scaffolding (§9).
type LauncherProber struct {
	stateDir string
	dialer   net.Dialer
}

// NewLauncherProber constructs a LauncherProber rooted at stateDir.
func NewLauncherProber(stateDir string) *LauncherProber {
	return &LauncherProber{stateDir: stateDir}
}

// Probe reads the agent's launcher state file and, if the state is ready,
// attempts a best-effort TCP enrichment (§6).
func (p *LauncherProber) Probe(ctx context.Context, agentID string) (ProbeResult, error) {
	start := time.Now()

	st, err := launcherstate.Read(p.stateDir, agentID)
	if err != nil {
		return ProbeResult{}, err
	}
	if !launcherstate.IsReady(st) {
		return ProbeResult{}, apperrors.New(apperrors.Unavailable, "probe", "agent state file reports not running")
	}

	result := ProbeResult{
		ResponseTime: time.Since(start),
		MemoryPct:    st.Metrics.MemoryUsageMB,
		CPUPct:       st.Metrics.CPUUsagePct,
	}

	port := launcherstate.ProbePort(agentID)
	if body, ok := p.dialTCP(ctx, port); ok {
		result.ResponseTime = time.Since(start)
		result.MemoryPct = body.MemoryPct
		result.CPUPct = body.CPUPct
	}
	return result, nil
}

func (p *LauncherProber) dialTCP(ctx context.Context, port int) (tcpBody, bool) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return tcpBody{}, false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var body tcpBody
	if err := json.NewDecoder(conn).Decode(&body); err != nil {
		return tcpBody{}, false
	}
	return body, true
}
