// Package relay forwards stream frames between the members of a class room.
// A frame sent by one member reaches every other member of the same room;
// the sender never receives its own frame.
package relay

import (
	"sync"

	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/util"
)

// memberQueueSize bounds the frames waiting for one slow member.
const memberQueueSize = 256

// member is one connection inside a room. send is owned by the hub: only
// leave closes it.
type member struct {
	id   uint32
	room string
	send chan []byte
}

// Hub keeps rooms keyed by class id.
type Hub struct {
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]map[*member]struct{}
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		rooms:   make(map[string]map[*member]struct{}),
	}
}

func (h *Hub) join(room string, id uint32) *member {
	m := &member{id: id, room: room, send: make(chan []byte, memberQueueSize)}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*member]struct{})
		h.rooms[room] = members
	}
	members[m] = struct{}{}
	rooms := len(h.rooms)
	h.mu.Unlock()

	util.Stats.AddRelayMember(1)
	h.metrics.SetActiveRooms(rooms)
	return m
}

// leave removes m and closes its queue. Safe to call twice.
func (h *Hub) leave(m *member) {
	h.mu.Lock()
	members, ok := h.rooms[m.room]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, in := members[m]; !in {
		h.mu.Unlock()
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, m.room)
	}
	close(m.send)
	rooms := len(h.rooms)
	h.mu.Unlock()

	util.Stats.AddRelayMember(-1)
	h.metrics.SetActiveRooms(rooms)
}

// broadcast queues frame to every member of from's room except from.
// Members whose queue is full miss the frame.
func (h *Hub) broadcast(from *member, frame []byte) (delivered, dropped int) {
	h.mu.RLock()
	for m := range h.rooms[from.room] {
		if m == from {
			continue
		}
		select {
		case m.send <- frame:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	h.metrics.RecordForwarded(delivered)
	h.metrics.RecordDropped("queue_full", dropped)
	return delivered, dropped
}

// Rooms returns the member count of every non-empty room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		out[room] = len(members)
	}
	return out
}
