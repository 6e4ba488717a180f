package events

import (
	"log"
	"sync"
	"time"
)

// emitWait is how long Emit waits on a full buffer before giving up on the
// event.
const emitWait = 100 * time.Millisecond

// Emitter is the fan-in point for coordinator activity events. The buffer
// is bounded: a subscriber that stops draining costs dropped events, never
// a stalled dispatch or reconcile loop.
type Emitter struct {
	events chan Event

	mu      sync.Mutex
	dropped map[Type]uint64
	total   uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events:  make(chan Event, bufferSize),
		dropped: make(map[Type]uint64),
	}
}

// Emit delivers the event to the subscriber, stamping the time if the
// caller did not. A full buffer gets one bounded wait; after that the event
// is dropped and tallied by type.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	t := time.NewTimer(emitWait)
	defer t.Stop()
	select {
	case e.events <- event:
	case <-t.C:
		e.recordDrop(event)
	}
}

func (e *Emitter) recordDrop(event Event) {
	e.mu.Lock()
	e.dropped[event.Type]++
	byType := e.dropped[event.Type]
	e.total++
	total := e.total
	e.mu.Unlock()

	// Orphan and blocked events are the ones a human acts on, so losing
	// one is worth a line every time; the rest only periodically.
	if event.Type == EventOrphanDetected || event.Type == EventDispatchBlocked || total%10 == 1 {
		log.Printf("[events] subscriber lagging, dropped %s for task %s (%d of this type, %d total)",
			event.Type, event.TaskID, byType, total)
	}
}

// DroppedCount returns the total number of dropped events.
func (e *Emitter) DroppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// DroppedByType returns a copy of the per-type drop tallies.
func (e *Emitter) DroppedByType() map[Type]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Type]uint64, len(e.dropped))
	for k, v := range e.dropped {
		out[k] = v
	}
	return out
}

// Events returns the read-only subscriber side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call only after all producers stopped.
func (e *Emitter) Close() {
	close(e.events)
}
