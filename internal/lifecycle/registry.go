package lifecycle

import (
	"sync"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/model"
	"github.com/kandev/agentsupervisor/internal/wrapper"
)

// entry is one agent's registry slot: its record plus the collaborators
// that are scoped to that agent's lifetime. A per-entry mutex lets unrelated
// agents proceed concurrently while operations on one agent are serialised
// (§5).
type entry struct {
	mu      sync.Mutex
	record  model.Record
	wrapper *wrapper.Wrapper
}

// registry is the agent registry (§3): mutated only by the Lifecycle
// Controller, readable concurrently.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) create(id string, rec model.Record, w *wrapper.Wrapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return apperrors.New(apperrors.Conflict, "create_agent", "agent id already registered")
	}
	r.entries[id] = &entry{record: rec, wrapper: w}
	return nil
}

func (r *registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "lookup", "unknown agent id")
	}
	return e, nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// updateHealth writes the Health Monitor's latest sample into id's record
// under the entry's own lock (§3: "Health ... updated by the Health Monitor
// ... under the record's own lock").
func (r *registry) updateHealth(id string, h model.Health) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.record.Health = h
	e.mu.Unlock()
	return nil
}

// updateMetrics writes the Agent Wrapper's latest counters into id's record
// under the entry's own lock (§3: "Metrics ... updated by ... the Agent
// Wrapper ... under the record's own lock").
func (r *registry) updateMetrics(id string, m model.Metrics) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.record.Metrics = m
	e.mu.Unlock()
	return nil
}

func (r *registry) snapshot(id string) (model.Record, error) {
	e, err := r.get(id)
	if err != nil {
		return model.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// ids returns every currently registered agent id.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
