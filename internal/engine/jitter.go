package engine

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/protocol"
)

// retiredEpochs is how many ended sessions the buffer remembers so their
// late packets can be told apart from a new session.
const retiredEpochs = 8

// InsertOutcome tells what JitterBuffer.Insert did with a packet.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	InsertedAfterReset
	InsertedEvictedOldest
	RejectedDuplicate
	RejectedStale
	RejectedRetiredEpoch
	RejectedFull
)

// Accepted reports whether the packet is now buffered.
func (o InsertOutcome) Accepted() bool {
	return o <= InsertedEvictedOldest
}

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case InsertedAfterReset:
		return "inserted after session reset"
	case InsertedEvictedOldest:
		return "inserted, oldest evicted"
	case RejectedDuplicate:
		return "duplicate"
	case RejectedStale:
		return "stale"
	case RejectedRetiredEpoch:
		return "retired session"
	case RejectedFull:
		return "buffer full"
	default:
		return fmt.Sprintf("InsertOutcome(%d)", int(o))
	}
}

// JitterBuffer keeps the packets of the current broadcast session sorted
// by ascending seq. Insert and Pop share one mutex, so a packet is either
// fully placed or not visible to Pop.
type JitterBuffer struct {
	maxDepth int
	policy   config.DropPolicy

	mu         sync.Mutex
	packets    []*protocol.Packet
	epoch      uuid.UUID
	hasEpoch   bool
	lastPopped uint64
	popped     bool
	retired    []uuid.UUID
}

// NewJitterBuffer returns a buffer holding at most maxDepth packets
// (0 means unbounded) and resolving overflow with policy.
func NewJitterBuffer(maxDepth int, policy config.DropPolicy) *JitterBuffer {
	return &JitterBuffer{maxDepth: maxDepth, policy: policy}
}

// Insert places pkt in seq order. A packet of an unseen epoch starts a new
// session: the buffer is emptied and the previous epoch is retired.
func (b *JitterBuffer) Insert(pkt *protocol.Packet) InsertOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	reset := false
	switch {
	case !b.hasEpoch:
		b.epoch, b.hasEpoch = pkt.Epoch, true
	case pkt.Epoch != b.epoch:
		if slices.Contains(b.retired, pkt.Epoch) {
			return RejectedRetiredEpoch
		}
		b.retire(b.epoch)
		b.epoch = pkt.Epoch
		b.packets = nil
		b.popped = false
		reset = true
	}

	if b.popped && pkt.Seq <= b.lastPopped {
		return RejectedStale
	}

	idx, found := slices.BinarySearchFunc(b.packets, pkt.Seq, func(p *protocol.Packet, seq uint64) int {
		return cmp.Compare(p.Seq, seq)
	})
	if found {
		return RejectedDuplicate
	}

	outcome := Inserted
	if reset {
		outcome = InsertedAfterReset
	}

	if b.maxDepth > 0 && len(b.packets) >= b.maxDepth {
		// the arriving packet would be the oldest one itself
		if b.policy == config.DropNewest || idx == 0 {
			return RejectedFull
		}
		b.packets = slices.Delete(b.packets, 0, 1)
		idx--
		outcome = InsertedEvictedOldest
	}

	b.packets = slices.Insert(b.packets, idx, pkt)
	return outcome
}

func (b *JitterBuffer) retire(epoch uuid.UUID) {
	if len(b.retired) == retiredEpochs {
		b.retired = slices.Delete(b.retired, 0, 1)
	}
	b.retired = append(b.retired, epoch)
}

// Pop removes and returns the packet with the lowest seq.
func (b *JitterBuffer) Pop() (*protocol.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) == 0 {
		return nil, false
	}

	pkt := b.packets[0]
	b.packets[0] = nil
	b.packets = b.packets[1:]
	b.lastPopped, b.popped = pkt.Seq, true
	return pkt, true
}

// Len returns the number of buffered packets.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Seqs returns the buffered sequence numbers in order.
func (b *JitterBuffer) Seqs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]uint64, len(b.packets))
	for i, p := range b.packets {
		seqs[i] = p.Seq
	}
	return seqs
}

// Reset empties the buffer and forgets every session.
func (b *JitterBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.packets = nil
	b.hasEpoch = false
	b.epoch = uuid.Nil
	b.popped = false
	b.retired = nil
}
