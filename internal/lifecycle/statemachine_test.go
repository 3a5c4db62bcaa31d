package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentsupervisor/internal/model"
)

func TestCanTransitionValidEdges(t *testing.T) {
	cases := []struct {
		from, to model.Status
	}{
		{model.StatusPending, model.StatusStarting},
		{model.StatusStarting, model.StatusRunning},
		{model.StatusRunning, model.StatusPaused},
		{model.StatusRunning, model.StatusStopping},
		{model.StatusPaused, model.StatusRunning},
		{model.StatusStopping, model.StatusStopped},
		{model.StatusStopped, model.StatusStarting},
		{model.StatusError, model.StatusStarting},
		{model.StatusError, model.StatusStopped},
	}
	for _, c := range cases {
		assert.True(t, canTransition(c.from, c.to, false), "%s -> %s should be valid", c.from, c.to)
	}
}

func TestCanTransitionRejectsUnlistedEdges(t *testing.T) {
	cases := []struct {
		from, to model.Status
	}{
		{model.StatusPending, model.StatusRunning},
		{model.StatusPaused, model.StatusPending},
		{model.StatusStopped, model.StatusRunning},
		{model.StatusStopping, model.StatusRunning},
	}
	for _, c := range cases {
		assert.False(t, canTransition(c.from, c.to, false), "%s -> %s should be rejected", c.from, c.to)
	}
}

func TestCanTransitionRejectsSameStateUnlessForced(t *testing.T) {
	assert.False(t, canTransition(model.StatusRunning, model.StatusRunning, false))
	assert.True(t, canTransition(model.StatusRunning, model.StatusRunning, true))
}

func TestCanTransitionForceBypassesTable(t *testing.T) {
	assert.False(t, canTransition(model.StatusStopped, model.StatusPaused, false))
	assert.True(t, canTransition(model.StatusStopped, model.StatusPaused, true))
}

func TestCanTransitionTableHasNoSelfEdges(t *testing.T) {
	for from := range transitions {
		edges := transitions[from]
		_, selfEdge := edges[from]
		assert.False(t, selfEdge, "state machine should never list a self-edge for %s", from)
	}
}
