package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

// sliceQueueSize bounds the slices waiting for the run loop. A full queue
// holds the capture goroutine back rather than dropping audio.
const sliceQueueSize = 64

// sliceEvent is one captured audio slice with the vectors drained at the
// same instant.
type sliceEvent struct {
	epoch       uuid.UUID
	timestampMs int64
	audio       []byte
	vectors     []protocol.VectorEvent

	flushed chan struct{} // set on Flush markers only
}

// Broadcaster is the sending variant of the engine: it slices audio,
// bundles each slice with the vectors enqueued since the previous one, and
// emits the result as a sequenced packet.
type Broadcaster struct {
	cfg config.Config
	tr  Transport
	acc *Accumulator
	now func() time.Time

	mu           sync.Mutex
	src          audio.Source
	epoch        uuid.UUID
	broadcasting bool
	closed       bool

	slices      chan sliceEvent
	quit        chan struct{}
	loopDone    chan struct{}
	cleanupOnce sync.Once
}

// NewBroadcaster starts the run loop. tr may be nil, in which case every
// packet is dropped.
func NewBroadcaster(cfg config.Config, tr Transport) *Broadcaster {
	b := &Broadcaster{
		cfg:      cfg,
		tr:       tr,
		acc:      NewAccumulator(),
		now:      time.Now,
		slices:   make(chan sliceEvent, sliceQueueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broadcaster) Role() config.Role { return config.RoleBroadcaster }

// Enqueue records one drawing event for the next packet. An event the wire
// format cannot carry is dropped with a warning.
func (b *Broadcaster) Enqueue(x, y float64, color string, mode protocol.Mode) {
	b.EnqueueEvent(protocol.VectorEvent{X: x, Y: y, Color: color, Mode: mode})
}

// EnqueueEvent is Enqueue for an already built event.
func (b *Broadcaster) EnqueueEvent(ev protocol.VectorEvent) {
	if err := ev.Validate(); err != nil {
		util.LogWarning("Vector event dropped: %v", err)
		return
	}
	b.acc.Enqueue(ev)
}

// Pending returns the number of vectors waiting for the next slice.
func (b *Broadcaster) Pending() int {
	return b.acc.Len()
}

// Broadcasting reports whether capture is active.
func (b *Broadcaster) Broadcasting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasting
}

// Epoch returns the id of the current broadcast session, or uuid.Nil when
// stopped.
func (b *Broadcaster) Epoch() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// StartBroadcasting begins a new session on src: a fresh epoch, seq back to
// 0 and no pending vectors. It is a no-op while already broadcasting. If src
// fails to start a *CaptureSetupError is returned and nothing is sent.
func (b *Broadcaster) StartBroadcasting(src audio.Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.broadcasting {
		return nil
	}
	if src == nil {
		return &CaptureSetupError{Err: errors.New("no audio source")}
	}

	epoch := uuid.New()
	if err := src.Start(b.cfg.ChunkInterval(), b.onChunk(epoch)); err != nil {
		return &CaptureSetupError{Err: err}
	}

	b.acc.Reset()
	b.src = src
	b.epoch = epoch
	b.broadcasting = true

	util.LogInfo("Broadcast started for class %q (session %s, %v slices)", b.cfg.ClassID, epoch, b.cfg.ChunkInterval())
	return nil
}

// onChunk builds the capture callback of one session. The drain happens
// here, at the slice boundary, so the vectors and the audio of a packet
// cover the same interval.
func (b *Broadcaster) onChunk(epoch uuid.UUID) func([]byte) {
	return func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}

		b.mu.Lock()
		if !b.broadcasting || b.epoch != epoch {
			b.mu.Unlock()
			return
		}
		ev := sliceEvent{
			epoch:       epoch,
			timestampMs: b.now().UnixMilli(),
			audio:       chunk,
			vectors:     b.acc.Drain(),
		}
		b.mu.Unlock()

		select {
		case b.slices <- ev:
		case <-b.quit:
		}
	}
}

// StopBroadcasting stops capture and discards unsent vectors. Idempotent.
func (b *Broadcaster) StopBroadcasting() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.broadcasting {
		return
	}

	b.src.Stop()
	b.src = nil
	b.broadcasting = false
	b.epoch = uuid.Nil
	b.acc.Reset()

	util.LogInfo("Broadcast stopped for class %q", b.cfg.ClassID)
}

// Cleanup stops broadcasting and shuts the run loop down. Idempotent.
func (b *Broadcaster) Cleanup() {
	b.cleanupOnce.Do(func() {
		b.StopBroadcasting()

		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.quit)
		<-b.loopDone
	})
}

// Flush returns once every slice captured before the call has been handed to
// the transport. Sources call onChunk before their Done channel closes, so
// Flush after Done covers the whole stream.
func (b *Broadcaster) Flush(ctx context.Context) error {
	marker := sliceEvent{flushed: make(chan struct{})}

	select {
	case b.slices <- marker:
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-marker.flushed:
		return nil
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns the sequence counter. Slices of a session that has since been
// stopped or replaced are discarded.
func (b *Broadcaster) run() {
	defer close(b.loopDone)

	var (
		epoch uuid.UUID
		seq   uint64
	)

	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.slices:
			if ev.flushed != nil {
				close(ev.flushed)
				continue
			}
			if ev.epoch != b.Epoch() {
				util.LogDebug("Discarding slice of ended session %s", ev.epoch)
				continue
			}
			if ev.epoch != epoch {
				epoch = ev.epoch
				seq = 0
			}

			b.emit(&protocol.Packet{
				ClassID:     b.cfg.ClassID,
				Epoch:       ev.epoch,
				Seq:         seq,
				TimestampMs: ev.timestampMs,
				Audio:       ev.audio,
				Vectors:     ev.vectors,
			})
			seq++
		}
	}
}

// emit hands pkt to the transport. Live data is disposable: a missing or
// failing transport drops the packet and the session carries on.
func (b *Broadcaster) emit(pkt *protocol.Packet) {
	if b.tr == nil {
		util.Stats.AddDropped()
		if util.DebugEnabled() {
			util.LogDebug("No transport, dropped packet seq=%d", pkt.Seq)
		}
		return
	}

	if err := b.tr.Emit(protocol.EventStreamPacket, pkt); err != nil {
		util.Stats.AddDropped()
		util.LogDebug("Dropped packet seq=%d: %v", pkt.Seq, err)
		return
	}

	util.Stats.AddSent(len(pkt.Audio), len(pkt.Vectors))
	if util.DebugEnabled() {
		util.LogDebug("Sent packet seq=%d audio=%dB vectors=%d", pkt.Seq, len(pkt.Audio), len(pkt.Vectors))
	}
}
