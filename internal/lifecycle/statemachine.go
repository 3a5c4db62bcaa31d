package lifecycle

import "github.com/kandev/agentsupervisor/internal/model"

// transitions encodes the permitted edges of the agent state machine (§4.5)
// as a closed enumeration rather than ad-hoc string comparisons, per the
// design note in §9 ("string-typed statuses -> enumerations with exhaustive
// handling").
var transitions = map[model.Status]map[model.Status]bool{
	model.StatusPending: {
		model.StatusStarting: true,
		model.StatusStopped:  true,
		model.StatusError:    true,
	},
	model.StatusStarting: {
		model.StatusRunning: true,
		model.StatusStopped: true,
		model.StatusError:   true,
	},
	model.StatusRunning: {
		model.StatusPaused:   true,
		model.StatusStopping: true,
		model.StatusError:    true,
	},
	model.StatusPaused: {
		model.StatusRunning:  true,
		model.StatusStopping: true,
		model.StatusError:    true,
	},
	model.StatusStopping: {
		model.StatusStopped: true,
		model.StatusError:   true,
	},
	model.StatusStopped: {
		model.StatusStarting: true,
	},
	model.StatusError: {
		model.StatusStarting: true,
		model.StatusStopped:  true,
	},
}

// canTransition reports whether from -> to is a permitted edge. force
// bypasses the table entirely, per §4.5 ("transitions outside the table are
// rejected unless a caller passes an explicit force flag at the external
// boundary").
func canTransition(from, to model.Status, force bool) bool {
	if force {
		return true
	}
	if from == to {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
