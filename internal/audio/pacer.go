package audio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/1ureka/hybridsync/internal/util"
)

// ErrAlreadyStarted is returned by Start on a source that is still slicing.
var ErrAlreadyStarted = errors.New("audio source already started")

// pacer drives a capture source: every interval it pulls one chunk from next
// and hands it to onChunk. It stops at end of stream, on a read error or on
// stop, whichever comes first.
type pacer struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startPacer(interval time.Duration, next func() ([]byte, error), onChunk func([]byte)) *pacer {
	p := &pacer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}

			chunk, err := next()
			if len(chunk) > 0 {
				// a chunk read concurrently with stop is dropped here
				select {
				case <-p.stop:
					return
				default:
				}
				onChunk(chunk)
			}

			if err != nil {
				if errors.Is(err, io.EOF) {
					util.LogInfo("Audio source reached end of stream")
				} else {
					util.LogWarning("Audio source stopped: %v", err)
				}
				return
			}
		}
	}()

	return p
}

// halt asks the capture goroutine to exit. It does not wait: the goroutine
// may be inside onChunk, which can be the caller of halt.
func (p *pacer) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// finished reports whether the capture goroutine has exited.
func (p *pacer) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// halted reports whether halt was called.
func (p *pacer) halted() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// pacedSource is the Start/Stop bookkeeping shared by every file source.
// A restarted source resumes reading where the previous run stopped.
type pacedSource struct {
	mu     sync.Mutex
	readMu sync.Mutex // a halted goroutine may still be inside next
	p      *pacer
}

func (s *pacedSource) begin(interval time.Duration, next func() ([]byte, error), onChunk func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p != nil && !s.p.halted() && !s.p.finished() {
		return ErrAlreadyStarted
	}

	serialNext := func() ([]byte, error) {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		return next()
	}
	s.p = startPacer(interval, serialNext, onChunk)
	return nil
}

// Stop ends slicing. Safe to call repeatedly, before Start and from onChunk.
func (s *pacedSource) Stop() {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()

	if p != nil {
		p.halt()
	}
}

// Done is closed when the capture goroutine exits; nil before Start.
func (s *pacedSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		return nil
	}
	return s.p.done
}
