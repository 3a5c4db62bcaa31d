package model_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/model"
)

func TestConfigValidateRejectsUnknownType(t *testing.T) {
	cfg := model.Config{Type: "not-a-real-type", MaxConcurrentTasks: 1}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsNonPositiveMaxTasks(t *testing.T) {
	cfg := model.Config{Type: model.AgentTypeWorker, MaxConcurrentTasks: 0}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateAccepts(t *testing.T) {
	cfg := model.Config{Type: model.AgentTypeCodingAssistant, MaxConcurrentTasks: 3}
	require.NoError(t, cfg.Validate())
}

func TestAppendCheckpointEvictsOldestPastTen(t *testing.T) {
	var rec model.Record
	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		rec.AppendCheckpoint(model.Checkpoint{
			ID:        fmt.Sprintf("cp-%02d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	require.Len(t, rec.Checkpoints, model.MaxCheckpoints)
	assert.Equal(t, "cp-05", rec.Checkpoints[0].ID, "oldest five should have been evicted")
	assert.Equal(t, "cp-14", rec.Checkpoints[len(rec.Checkpoints)-1].ID)
}

func TestAppendCheckpointPreservesChronologicalOrder(t *testing.T) {
	var rec model.Record
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec.AppendCheckpoint(model.Checkpoint{ID: fmt.Sprintf("cp-%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	for i := 1; i < len(rec.Checkpoints); i++ {
		assert.False(t, rec.Checkpoints[i].CreatedAt.Before(rec.Checkpoints[i-1].CreatedAt))
	}
}

func TestFindCheckpoint(t *testing.T) {
	var rec model.Record
	rec.AppendCheckpoint(model.Checkpoint{ID: "cp-1", Description: "before refactor"})

	cp, ok := rec.FindCheckpoint("cp-1")
	require.True(t, ok)
	assert.Equal(t, "before refactor", cp.Description)

	_, ok = rec.FindCheckpoint("does-not-exist")
	assert.False(t, ok)
}
