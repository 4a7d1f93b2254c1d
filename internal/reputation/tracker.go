// Package reputation accumulates per-agent settlement counters. The stored
// counters are the source of truth; the smoothed score is computed on read.
package reputation

import "github.com/synapse/exchange/internal/core"

// Tracker owns every reputation row. Like the ledger Book it relies on the
// exchange's serialization and carries no lock of its own.
type Tracker struct {
	rows map[string]*core.Reputation
}

// NewTracker creates an empty reputation registry.
func NewTracker() *Tracker {
	return &Tracker{rows: make(map[string]*core.Reputation)}
}

// Ensure creates the row if missing. Returns the row and whether it was new.
func (t *Tracker) Ensure(agentID string) (*core.Reputation, bool) {
	if r, ok := t.rows[agentID]; ok {
		return r, false
	}
	r := &core.Reputation{AgentID: agentID}
	t.rows[agentID] = r
	return r, true
}

// Get returns the row for an agent, or nil.
func (t *Tracker) Get(agentID string) *core.Reputation {
	return t.rows[agentID]
}

// Drop removes a row. Only used to roll back a failed auth persist.
func (t *Tracker) Drop(agentID string) {
	delete(t.rows, agentID)
}

// Score returns the Laplace-smoothed score; unknown agents score 0.5.
func (t *Tracker) Score(agentID string) float64 {
	if r, ok := t.rows[agentID]; ok {
		return r.Score()
	}
	return 0.5
}

// RecordCompleted increments the completed counter on settlement-success.
func (t *Tracker) RecordCompleted(agentID string) *core.Reputation {
	r, _ := t.Ensure(agentID)
	r.Completed++
	return r
}

// RecordFailed increments the failed counter on settlement-failure.
func (t *Tracker) RecordFailed(agentID string) *core.Reputation {
	r, _ := t.Ensure(agentID)
	r.Failed++
	return r
}

// All returns every row. Callers must not retain the map.
func (t *Tracker) All() map[string]*core.Reputation {
	return t.rows
}
