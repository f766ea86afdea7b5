package engine

import (
	"sync"

	"github.com/1ureka/hybridsync/internal/protocol"
)

// Accumulator collects vector events between two audio slices.
//
// The buffer is unbounded: a broadcaster that is enqueued into but never
// started keeps growing it.
type Accumulator struct {
	mu     sync.Mutex
	events []protocol.VectorEvent
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Enqueue appends one event. Safe for concurrent use with Drain.
func (a *Accumulator) Enqueue(ev protocol.VectorEvent) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

// Drain returns every queued event in enqueue order and empties the buffer
// in the same critical section.
func (a *Accumulator) Drain() []protocol.VectorEvent {
	a.mu.Lock()
	events := a.events
	a.events = nil
	a.mu.Unlock()
	return events
}

// Reset discards every queued event.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.events = nil
	a.mu.Unlock()
}

// Len returns the number of queued events.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}
