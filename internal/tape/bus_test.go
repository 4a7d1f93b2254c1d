package tape

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribersInOrder(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Emit(KindBroadcast, "one")
	b.Emit(KindLedgerUpdate, "two")

	ev := <-ch
	assert.Equal(t, KindBroadcast, ev.Kind)
	assert.Equal(t, "one", ev.Payload)
	assert.NotEmpty(t, ev.ID)
	assert.NotZero(t, ev.AtMs)

	ev = <-ch
	assert.Equal(t, KindLedgerUpdate, ev.Kind)
}

func TestSlowSubscriberIsSkippedNotBlocked(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Emit(KindBroadcast, 1)
		b.Emit(KindBroadcast, 2) // buffer full, must not block
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}

	ev := <-ch
	assert.Equal(t, 1, ev.Payload)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is harmless.
	unsubscribe()
}

type recordingMirror struct {
	events chan *Event
	err    error
}

func (m *recordingMirror) Publish(ev *Event) error {
	m.events <- ev
	return m.err
}

func TestMirrorReceivesEvents(t *testing.T) {
	b := NewBus()
	mirror := &recordingMirror{events: make(chan *Event, 4)}
	b.SetMirror(mirror)

	b.Emit(KindEvidence, "payload")

	select {
	case ev := <-mirror.events:
		assert.Equal(t, KindEvidence, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("mirror never saw the event")
	}
}

func TestMirrorFailureDoesNotAffectSubscribers(t *testing.T) {
	b := NewBus()
	mirror := &recordingMirror{events: make(chan *Event, 4), err: errors.New("redis down")}
	b.SetMirror(mirror)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Emit(KindBroadcast, "still delivered")

	ev := <-ch
	assert.Equal(t, "still delivered", ev.Payload)
}
