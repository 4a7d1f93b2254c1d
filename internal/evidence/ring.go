// Package evidence keeps the append-only audit trail. In memory the trail is
// bounded to the most recent entries (most-recent-first); the durable mirror
// in the store is unbounded.
package evidence

import (
	"time"

	"github.com/google/uuid"

	"github.com/synapse/exchange/internal/core"
)

// DefaultCap bounds the in-memory ring.
const DefaultCap = 500

// Ring is the capped in-memory evidence list. Serialized by the exchange.
type Ring struct {
	cap   int
	items []*core.EvidenceItem // most-recent-first
}

// NewRing creates a ring with the given capacity (DefaultCap when <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Ring{cap: capacity}
}

// Append records a new evidence item and returns it.
func (r *Ring) Append(jobID, kind, detail string, payload map[string]any) *core.EvidenceItem {
	item := &core.EvidenceItem{
		ID:      uuid.New().String(),
		AtMs:    time.Now().UnixMilli(),
		JobID:   jobID,
		Kind:    kind,
		Detail:  detail,
		Payload: payload,
	}
	r.items = append([]*core.EvidenceItem{item}, r.items...)
	if len(r.items) > r.cap {
		r.items = r.items[:r.cap]
	}
	return item
}

// Items returns the retained entries, most recent first.
func (r *Ring) Items() []*core.EvidenceItem {
	out := make([]*core.EvidenceItem, len(r.items))
	copy(out, r.items)
	return out
}

// ForJob returns the retained entries for one job, most recent first.
func (r *Ring) ForJob(jobID string) []*core.EvidenceItem {
	var out []*core.EvidenceItem
	for _, item := range r.items {
		if item.JobID == jobID {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring) Len() int { return len(r.items) }
