package events

import (
	"testing"
	"time"
)

func TestEmitDelivers(t *testing.T) {
	e := NewEmitter(4)

	e.Emit(Event{Type: EventDispatchAttempted, TaskID: "T1", Reason: "admitted"})

	select {
	case ev := <-e.Events():
		if ev.Type != EventDispatchAttempted || ev.TaskID != "T1" {
			t.Errorf("got %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp must default to emit time")
		}
	default:
		t.Fatal("no event on channel")
	}
}

func TestEmitKeepsExplicitTimestamp(t *testing.T) {
	e := NewEmitter(1)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	e.Emit(Event{Type: EventSessionCompleted, Timestamp: ts})

	ev := <-e.Events()
	if !ev.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, ts)
	}
}

func TestEmitDropsWhenSubscriberStalls(t *testing.T) {
	e := NewEmitter(1)

	e.Emit(Event{Type: EventSpawnRetry})
	// Buffer is full and nobody is reading; this emit must return after
	// its timeout instead of blocking forever.
	done := make(chan struct{})
	go func() {
		e.Emit(Event{Type: EventSpawnRetry})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled subscriber")
	}

	if got := e.DroppedCount(); got != 1 {
		t.Errorf("dropped count = %d, want 1", got)
	}
	if got := e.DroppedByType()[EventSpawnRetry]; got != 1 {
		t.Errorf("dropped[spawn_retry] = %d, want 1", got)
	}
}
