// Package tape implements the ordered event stream observed by spectators.
// Every broadcast, ledger update, reputation update, evidence append, and
// agent authentication lands on the tape exactly once.
package tape

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the tape event variant seen by observers.
type Kind string

const (
	KindAgentAuthed  Kind = "agent_authed"
	KindLedgerUpdate Kind = "ledger_update"
	KindRepUpdate    Kind = "rep_update"
	KindEvidence     Kind = "evidence"
	KindBroadcast    Kind = "broadcast"
	// KindDBError flags a failed write-through so operators can reconcile.
	KindDBError Kind = "db_error"
)

// Event is one tape entry. Payload mirrors the wire type for broadcasts.
type Event struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	AtMs    int64  `json:"atMs"`
	Payload any    `json:"payload"`
}

// Mirror is an optional secondary sink for tape events (Redis pub/sub in
// production). Mirror failures never affect in-process delivery.
type Mirror interface {
	Publish(ev *Event) error
}

// Bus fans tape events out to in-process subscribers. Slow subscribers are
// skipped rather than blocking the exchange.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	bufferSize int
	mirror     Mirror
	logger     *log.Logger
}

// NewBus creates a tape bus with a per-subscriber buffer of 256 events.
func NewBus() *Bus {
	return &Bus{
		bufferSize: 256,
		logger:     log.New(log.Writer(), "[Tape] ", log.LstdFlags),
	}
}

// SetMirror attaches a secondary sink. Pass nil to detach.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe returns a channel of tape events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	b.subs = append(b.subs, ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Emit publishes a tape event to every subscriber and the mirror.
func (b *Bus) Emit(kind Kind, payload any) *Event {
	ev := &Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		AtMs:    time.Now().UnixMilli(),
		Payload: payload,
	}

	b.mu.RLock()
	subs := b.subs
	mirror := b.mirror
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, skip.
		}
	}

	if mirror != nil {
		// The mirror may touch the network; keep it off the handler path.
		go func() {
			if err := mirror.Publish(ev); err != nil {
				b.logger.Printf("mirror publish failed: %v", err)
			}
		}()
	}
	return ev
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
