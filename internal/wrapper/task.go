package wrapper

import "time"

// TaskType enumerates the task kinds the wrapper dispatches on (§4.2). Every
// type shares the same lifecycle: mark current_task, run, append to
// conversation log, update counters, clear current_task.
type TaskType string

const (
	TaskCode          TaskType = "code"
	TaskAnalysis      TaskType = "analysis"
	TaskDocumentation TaskType = "documentation"
	TaskTest          TaskType = "test"
	TaskDeployment    TaskType = "deployment"
)

// Task is a typed request submitted to ExecuteTask.
type Task struct {
	ID         string
	Type       TaskType
	Prompt     string
	TimeoutMS  int64
	Metadata   map[string]any
}

// ResultStatus enumerates how a task execution terminated (§4.2).
type ResultStatus string

const (
	ResultSuccess     ResultStatus = "success"
	ResultFailure     ResultStatus = "failure"
	ResultTimeout     ResultStatus = "timeout"
	ResultCancelled   ResultStatus = "cancelled"
)

// Result is returned from ExecuteTask once the task has terminated.
type Result struct {
	TaskID   string
	Status   ResultStatus
	Output   string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the task ran.
func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ConversationEntry is one turn in an agent's recorded conversation log,
// part of the checkpointed AgentState (§3).
type ConversationEntry struct {
	At      time.Time
	Role    string // "task", "agent", "system"
	Content string
}

// CommandLogEntry records one command line sent into the agent's session,
// for diagnostics and checkpoint fidelity.
type CommandLogEntry struct {
	At      time.Time
	Command string
}

const (
	// maxCommandLog and maxConversationLog bound the in-memory history kept
	// per agent so long-running agents don't grow state unboundedly; both
	// logs are still fully included in checkpoint blobs up to this bound.
	maxCommandLog      = 500
	maxConversationLog = 500
)
