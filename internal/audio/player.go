package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrPlayerClosed is returned by Play after Close.
var ErrPlayerClosed = errors.New("player closed")

// StreamPlayer writes decoded samples to an io.Writer (a file, a pipe into
// an audio device, or io.Discard) and reports completion after the buffer's
// real-time duration has elapsed.
type StreamPlayer struct {
	w io.Writer

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

func NewStreamPlayer(w io.Writer) *StreamPlayer {
	if w == nil {
		w = io.Discard
	}
	return &StreamPlayer{w: w}
}

// Play implements Player. A buffer started while another is still playing
// supersedes it; the superseded done callback never fires.
func (p *StreamPlayer) Play(buf *Buffer, done func()) error {
	if buf == nil {
		return errors.New("nil buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPlayerClosed
	}

	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(buf.Duration(), func() {
		p.mu.Lock()
		current := !p.closed && p.gen == gen
		p.mu.Unlock()

		if current && done != nil {
			done()
		}
	})

	return nil
}

// Close implements Player. Pending completions are cancelled.
func (p *StreamPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}

	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
