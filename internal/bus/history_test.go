package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentsupervisor/internal/model"
)

func TestHistoryRecordAppendsUnderCorrelationID(t *testing.T) {
	h := newHistory()
	m1 := &model.Message{ID: "m1", CorrelationID: "c1"}
	m2 := &model.Message{ID: "m2", CorrelationID: "c1"}
	h.record(m1)
	h.record(m2)

	log := h.get("c1")
	assert.Equal(t, []*model.Message{m1, m2}, log)
}

func TestHistoryGetUnknownCorrelationIDReturnsNil(t *testing.T) {
	h := newHistory()
	assert.Nil(t, h.get("missing"))
}

func TestHistoryCapsAtMaxEntries(t *testing.T) {
	h := newHistory()
	for i := 0; i < maxHistoryEntries+20; i++ {
		h.record(&model.Message{ID: "m", CorrelationID: "c1"})
	}
	assert.Len(t, h.get("c1"), maxHistoryEntries)
}

func TestHistoryCleanupDiscardsStaleLogs(t *testing.T) {
	h := newHistory()
	h.record(&model.Message{ID: "m1", CorrelationID: "stale"})
	h.logs["stale"].lastActive = time.Now().UTC().Add(-25 * time.Hour)

	h.record(&model.Message{ID: "m2", CorrelationID: "fresh"})

	h.cleanup(time.Now().UTC())

	assert.Nil(t, h.get("stale"))
	assert.NotNil(t, h.get("fresh"))
}
