package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/protocol"
)

// fakeSource is an audio.Source driven by the test through push.
type fakeSource struct {
	mu       sync.Mutex
	startErr error
	interval time.Duration
	onChunk  func([]byte)
	starts   int
	stops    int
}

func (s *fakeSource) Start(interval time.Duration, onChunk func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.interval = interval
	s.onChunk = onChunk
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

// push delivers one chunk through the callback captured at Start, the way a
// capture goroutine would.
func (s *fakeSource) push(chunk []byte) {
	s.mu.Lock()
	fn := s.onChunk
	s.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// fakeTransport records emitted packets and lets the test deliver packets
// to the registered handler.
type fakeTransport struct {
	mu       sync.Mutex
	emitErr  error
	emitted  []*protocol.Packet
	attempts int
	handlers map[string]func(*protocol.Packet)
	offs     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(*protocol.Packet))}
}

func (t *fakeTransport) Emit(event string, pkt *protocol.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.emitErr != nil {
		return t.emitErr
	}
	if event != protocol.EventStreamPacket {
		return fmt.Errorf("unexpected event %q", event)
	}
	t.emitted = append(t.emitted, pkt)
	return nil
}

func (t *fakeTransport) On(event string, fn func(*protocol.Packet)) {
	t.mu.Lock()
	t.handlers[event] = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Off(event string) {
	t.mu.Lock()
	delete(t.handlers, event)
	t.offs++
	t.mu.Unlock()
}

func (t *fakeTransport) deliver(pkt *protocol.Packet) {
	t.mu.Lock()
	fn := t.handlers[protocol.EventStreamPacket]
	t.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

func (t *fakeTransport) packets() []*protocol.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*protocol.Packet(nil), t.emitted...)
}

func (t *fakeTransport) emitAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *fakeTransport) subscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[protocol.EventStreamPacket] != nil
}

func (t *fakeTransport) setEmitErr(err error) {
	t.mu.Lock()
	t.emitErr = err
	t.mu.Unlock()
}

// fakeDecoder treats chunks starting with 'X' as corrupt and records the
// chunks it decoded, in order.
type fakeDecoder struct {
	mu      sync.Mutex
	decoded []string
}

func (d *fakeDecoder) Decode(chunk []byte) (*audio.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(chunk) == 0 || chunk[0] == 'X' {
		return nil, fmt.Errorf("%w: corrupt chunk", audio.ErrDecode)
	}
	d.decoded = append(d.decoded, string(chunk))
	return &audio.Buffer{SampleRate: 1000, Channels: 1, Samples: make([]int16, 10)}, nil
}

func (d *fakeDecoder) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.decoded...)
}

// manualPlayer never completes on its own: the test calls finish.
type manualPlayer struct {
	mu     sync.Mutex
	dones  []func()
	closed bool
	closes int
}

func (p *manualPlayer) Play(_ *audio.Buffer, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.dones = append(p.dones, done)
	return nil
}

func (p *manualPlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *manualPlayer) plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dones)
}

// finish fires the completion of the i-th Play call.
func (p *manualPlayer) finish(i int) {
	p.mu.Lock()
	done := p.dones[i]
	p.mu.Unlock()
	done()
}

// vectorLog collects onRemoteVector calls.
type vectorLog struct {
	mu     sync.Mutex
	events []protocol.VectorEvent
}

func (l *vectorLog) add(ev protocol.VectorEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *vectorLog) xs() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	xs := make([]float64, len(l.events))
	for i, ev := range l.events {
		xs[i] = ev.X
	}
	return xs
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ClassID = "class-1"
	cfg.MaxBufferWaitMs = 0
	return cfg
}

// packetOf builds a packet whose audio names its seq and whose single
// vector carries the seq as X.
func packetOf(epoch uuid.UUID, seq uint64) *protocol.Packet {
	return &protocol.Packet{
		ClassID: "class-1",
		Epoch:   epoch,
		Seq:     seq,
		Audio:   []byte(fmt.Sprintf("audio-%d", seq)),
		Vectors: []protocol.VectorEvent{{X: float64(seq), Y: 0, Color: "#000", Mode: protocol.ModeDraw}},
	}
}
