package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

const receiverQueueSize = 256

// Run loop events.
type (
	packetArrived struct{ pkt *protocol.Packet }
	playbackDone  struct{ gen uint64 }
	waitElapsed   struct{ gen uint64 }
)

// Receiver is the listening variant of the engine. Packets go into a jitter
// buffer; the playback driver starts once minBufferDepth packets are
// buffered (or maxBufferWait has passed), then for each packet applies its
// vectors and plays its audio, chaining on playback completion.
type Receiver struct {
	cfg    config.Config
	tr     Transport
	dec    audio.Decoder
	player audio.Player
	buf    *JitterBuffer

	mu        sync.Mutex
	listening bool
	closed    bool
	onVector  func(protocol.VectorEvent)

	state atomic.Int32

	// set while onVector runs on the loop goroutine
	inCallback atomic.Bool

	events      chan any
	quit        chan struct{}
	loopDone    chan struct{}
	cleanupOnce sync.Once

	// owned by the run loop
	playGen   uint64
	waitGen   uint64
	waitTimer *time.Timer
	regate    bool
}

// NewReceiver starts the run loop. tr may be nil, in which case nothing is
// ever received. A nil dec decodes every chunk kind; a nil player discards
// the samples but still paces playback.
func NewReceiver(cfg config.Config, tr Transport, dec audio.Decoder, player audio.Player) *Receiver {
	if dec == nil {
		dec = audio.NewTaggedDecoder()
	}
	if player == nil {
		player = audio.NewStreamPlayer(nil)
	}

	r := &Receiver{
		cfg:      cfg,
		tr:       tr,
		dec:      dec,
		player:   player,
		buf:      NewJitterBuffer(cfg.MaxBufferDepth, cfg.DropPolicy),
		events:   make(chan any, receiverQueueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Receiver) Role() config.Role { return config.RoleReceiver }

// State returns the playback driver state.
func (r *Receiver) State() PlaybackState {
	return PlaybackState(r.state.Load())
}

// Buffered returns the jitter buffer depth.
func (r *Receiver) Buffered() int {
	return r.buf.Len()
}

// StartListening subscribes to stream packets. onRemoteVector is called
// once per vector event, in enqueue order, from the run loop goroutine.
// Calling it again while listening is a no-op.
func (r *Receiver) StartListening(onRemoteVector func(protocol.VectorEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.listening {
		return nil
	}

	r.onVector = onRemoteVector
	r.listening = true

	if r.tr == nil {
		util.LogWarning("Listening without a transport, no packets will arrive")
		return nil
	}
	r.tr.On(protocol.EventStreamPacket, r.handlePacket)

	util.LogInfo("Listening for class %q (start after %d packets, max wait %v)",
		r.cfg.ClassID, r.cfg.MinBufferDepth, r.cfg.MaxBufferWait())
	return nil
}

// Cleanup unsubscribes, stops the run loop and closes the player. Playback
// completions that arrive afterwards are discarded. Idempotent.
//
// Called from onRemoteVector it returns without waiting: the loop finishes
// the teardown once the callback returns.
func (r *Receiver) Cleanup() {
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.listening && r.tr != nil {
			r.tr.Off(protocol.EventStreamPacket)
		}
		r.listening = false
		r.mu.Unlock()

		close(r.quit)
	})

	if !r.inCallback.Load() {
		<-r.loopDone
	}
}

// teardown runs on the loop goroutine after quit is closed.
func (r *Receiver) teardown() {
	r.disarmWait()
	if err := r.player.Close(); err != nil {
		util.LogWarning("Failed to close audio player: %v", err)
	}
	r.buf.Reset()
	util.Stats.SetBufferDepth(0)
}

func (r *Receiver) stopping() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// handlePacket is the transport callback.
func (r *Receiver) handlePacket(pkt *protocol.Packet) {
	if pkt == nil {
		return
	}
	r.post(packetArrived{pkt: pkt})
}

func (r *Receiver) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

func (r *Receiver) run() {
	defer close(r.loopDone)
	defer r.teardown()

	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			switch ev := ev.(type) {
			case packetArrived:
				r.onPacket(ev.pkt)
			case playbackDone:
				r.onPlaybackDone(ev.gen)
			case waitElapsed:
				r.onWaitElapsed(ev.gen)
			}
		}
	}
}

func (r *Receiver) onPacket(pkt *protocol.Packet) {
	util.Stats.AddRecv(len(pkt.Audio))

	outcome := r.buf.Insert(pkt)
	switch outcome {
	case Inserted:
	case InsertedAfterReset:
		util.LogInfo("New broadcast session %s for class %q", pkt.Epoch, pkt.ClassID)
		r.disarmWait()
		if r.State() == Playing {
			r.regate = true
		}
	case InsertedEvictedOldest, RejectedFull:
		util.Stats.AddDropped()
		util.LogDebug("Jitter buffer full, seq=%d %s", pkt.Seq, outcome)
	default:
		util.LogDebug("Ignored packet seq=%d: %s", pkt.Seq, outcome)
	}
	util.Stats.SetBufferDepth(r.buf.Len())

	if outcome.Accepted() {
		r.maybeStart()
	}
}

// maybeStart applies the low-water gate while idle.
func (r *Receiver) maybeStart() {
	if r.State() != Idle {
		return
	}

	if r.buf.Len() >= r.cfg.MinBufferDepth {
		r.startPlayback()
		return
	}

	if r.buf.Len() > 0 && r.waitTimer == nil && r.cfg.MaxBufferWait() > 0 {
		gen := r.waitGen
		r.waitTimer = time.AfterFunc(r.cfg.MaxBufferWait(), func() {
			r.post(waitElapsed{gen: gen})
		})
	}
}

func (r *Receiver) disarmWait() {
	r.waitGen++
	if r.waitTimer != nil {
		r.waitTimer.Stop()
		r.waitTimer = nil
	}
}

func (r *Receiver) onWaitElapsed(gen uint64) {
	if gen != r.waitGen || r.State() != Idle {
		return
	}
	r.waitTimer = nil

	if r.buf.Len() > 0 {
		util.LogDebug("Max buffer wait elapsed with %d packet(s), starting playback", r.buf.Len())
		r.startPlayback()
	}
}

func (r *Receiver) startPlayback() {
	r.disarmWait()
	r.state.Store(int32(Playing))
	util.LogDebug("Playback started with %d packet(s) buffered", r.buf.Len())
	r.playNext()
}

// playNext dequeues until one packet's audio is playing or the buffer is
// empty. Vectors are applied before the audio is decoded, so a packet whose
// audio fails still draws.
func (r *Receiver) playNext() {
	for {
		pkt, ok := r.buf.Pop()
		util.Stats.SetBufferDepth(r.buf.Len())
		if !ok {
			r.state.Store(int32(Idle))
			util.LogDebug("Jitter buffer drained, playback idle")
			return
		}

		r.applyVectors(pkt)
		util.Stats.AddPlayed(len(pkt.Vectors))
		if r.stopping() {
			return
		}

		buf, err := r.dec.Decode(pkt.Audio)
		if err != nil {
			util.Stats.AddDecodeFailure()
			util.LogWarning("Skipping audio of packet seq=%d: %v", pkt.Seq, err)
			continue
		}

		r.playGen++
		gen := r.playGen
		if err := r.player.Play(buf, func() { r.post(playbackDone{gen: gen}) }); err != nil {
			util.LogWarning("Failed to play packet seq=%d: %v", pkt.Seq, err)
			continue
		}
		return
	}
}

func (r *Receiver) applyVectors(pkt *protocol.Packet) {
	if r.onVector == nil {
		return
	}
	r.inCallback.Store(true)
	defer r.inCallback.Store(false)

	for _, v := range pkt.Vectors {
		if r.stopping() {
			return
		}
		r.onVector(v)
	}
}

func (r *Receiver) onPlaybackDone(gen uint64) {
	if gen != r.playGen || r.State() != Playing {
		return
	}

	// a new session arrived mid-chunk: gate it like a fresh start
	if r.regate {
		r.regate = false
		r.state.Store(int32(Idle))
		r.maybeStart()
		return
	}

	r.playNext()
}
