package transport

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/hybridsync/internal/protocol"
)

// Loopback is one end of an in-memory link. Frames emitted on one end are
// delivered to the other after a random delay in [0, maxDelay), so a burst
// can arrive out of order the way it would over an unordered channel.
type Loopback struct {
	handlers

	peer      *Loopback
	maxDelay  time.Duration
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoopbackPair links two ends. A zero maxDelay delivers synchronously,
// in order.
func NewLoopbackPair(maxDelay time.Duration) (a, b *Loopback) {
	a = &Loopback{maxDelay: maxDelay, done: make(chan struct{})}
	b = &Loopback{maxDelay: maxDelay, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Emit encodes the packet and schedules its delivery to the peer.
func (l *Loopback) Emit(event string, pkt *protocol.Packet) error {
	if l.closed.Load() || l.peer.closed.Load() {
		return ErrUnavailable
	}

	frame, err := protocol.EncodeFrame(event, pkt)
	if err != nil {
		return err
	}

	peer := l.peer
	if l.maxDelay <= 0 {
		peer.dispatchFrame("loopback", frame)
		return nil
	}

	delay := time.Duration(rand.Int64N(int64(l.maxDelay)))
	time.AfterFunc(delay, func() {
		if !peer.closed.Load() {
			peer.dispatchFrame("loopback", frame)
		}
	})
	return nil
}

// Done is closed when this end is closed.
func (l *Loopback) Done() <-chan struct{} {
	return l.done
}

// Close stops delivery in both directions. Idempotent.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
	return nil
}
