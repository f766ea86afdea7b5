// Package transport provides the named-event channels the engine emits and
// receives stream packets on: a WebRTC DataChannel for direct peer links, a
// WebSocket client for the room relay, and an in-memory loopback pair.
//
// Every implementation frames a packet as protocol.EncodeFrame(event, pkt),
// never blocks in Emit, and drops frames it cannot send right away.
package transport

import (
	"errors"
	"sync"

	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

var (
	// ErrUnavailable is returned by Emit when the channel is closed or not
	// open yet.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrQueueFull is returned by Emit when the outgoing queue is full.
	ErrQueueFull = errors.New("transport send queue full")
)

// handlers is the event name → callback table shared by every transport.
type handlers struct {
	mu sync.RWMutex
	m  map[string]func(*protocol.Packet)
}

// On registers fn for event, replacing any previous handler.
func (h *handlers) On(event string, fn func(*protocol.Packet)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]func(*protocol.Packet))
	}
	h.m[event] = fn
}

// Off removes the handler of event.
func (h *handlers) Off(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, event)
}

// dispatch calls the handler of event, if any.
func (h *handlers) dispatch(event string, pkt *protocol.Packet) bool {
	h.mu.RLock()
	fn := h.m[event]
	h.mu.RUnlock()

	if fn == nil {
		return false
	}
	fn(pkt)
	return true
}

// dispatchFrame decodes one inbound frame and dispatches it. Malformed
// frames are dropped.
func (h *handlers) dispatchFrame(source string, data []byte) {
	event, pkt, err := protocol.DecodeFrame(data)
	if err != nil {
		util.Stats.AddDropped()
		util.LogDebug("Dropped malformed frame from %s: %v", source, err)
		return
	}
	if !h.dispatch(event, pkt) {
		util.LogDebug("No handler for event %q from %s", event, source)
	}
}
