package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kandev/agentsupervisor/internal/atomicfile"
)

// AgentState is the complete, serializable snapshot of a wrapper's execution
// context (§3): working directory, environment, current task descriptor (if
// any), recent command log, conversation log, and cumulative counters. It is
// the opaque blob captured into and restored from checkpoints, and is also
// the wrapper's own crash-recovery persistence.
type AgentState struct {
	WorkingDirectory string              `json:"workingDirectory"`
	Environment      map[string]string   `json:"environment"`
	CurrentTask      *Task               `json:"currentTask,omitempty"`
	CommandLog       []CommandLogEntry   `json:"commandLog"`
	ConversationLog  []ConversationEntry `json:"conversationLog"`
	TasksCompleted   int64               `json:"tasksCompleted"`
	RuntimeMS        int64               `json:"runtimeMs"`
	CostMicros       int64               `json:"costMicros"`
}

// clone returns a deep-enough copy so a caller mutating the returned value
// cannot corrupt the wrapper's live state.
func (s AgentState) clone() AgentState {
	out := s
	if s.Environment != nil {
		out.Environment = make(map[string]string, len(s.Environment))
		for k, v := range s.Environment {
			out.Environment[k] = v
		}
	}
	out.CommandLog = append([]CommandLogEntry(nil), s.CommandLog...)
	out.ConversationLog = append([]ConversationEntry(nil), s.ConversationLog...)
	if s.CurrentTask != nil {
		t := *s.CurrentTask
		out.CurrentTask = &t
	}
	return out
}

// statePath returns the wrapper's own persistence path. It is deliberately
// distinct from the launcher's agent-<id>.json (§6), which is owned and
// written by the external agent process, not the wrapper.
func statePath(stateDir, agentID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("wrapper-%s.json", agentID))
}

// persist atomically writes the wrapper's current state to disk (§4.2).
func persist(stateDir, agentID string, state AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	return atomicfile.Write(statePath(stateDir, agentID), data, 0o644)
}

// loadPersisted reads a wrapper's prior state from disk. Missing or
// corrupted content is treated as "no prior state" without failure, per
// §4.2: "On start the wrapper attempts to read this file; corrupted or
// missing content is treated as 'no prior state' without failure."
func loadPersisted(stateDir, agentID string) (*AgentState, bool) {
	data, err := os.ReadFile(statePath(stateDir, agentID))
	if err != nil {
		return nil, false
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	return &st, true
}
