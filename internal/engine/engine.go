// Package engine implements the hybrid audio + vector sync engine: a
// Broadcaster that bundles each captured audio slice with the drawing
// events made during that slice, and a Receiver that reorders packets in a
// jitter buffer and replays them with the vectors applied as their audio
// starts.
//
// Each variant owns its state and mutates it from a single run loop fed by
// typed events (slice ready, packet arrived, playback done), so the
// callbacks of the audio pipeline and the transport never race each other.
package engine

import (
	"errors"
	"fmt"

	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/protocol"
)

// Transport is the named-event channel the engine sends and receives
// packets on. Implementations must not block in Emit.
type Transport interface {
	Emit(event string, pkt *protocol.Packet) error
	On(event string, fn func(*protocol.Packet))
	Off(event string)
}

// Engine is the surface both roles share.
type Engine interface {
	Role() config.Role
	// Cleanup releases audio resources and transport subscriptions. It is
	// idempotent and safe to call at any time.
	Cleanup()
}

var (
	_ Engine = (*Broadcaster)(nil)
	_ Engine = (*Receiver)(nil)
)

// ErrClosed is returned when a cleaned-up engine is asked to start again.
var ErrClosed = errors.New("engine has been cleaned up")

// CaptureSetupError reports that the audio source could not be started.
// The broadcaster stays stopped and sends nothing.
type CaptureSetupError struct {
	Err error
}

func (e *CaptureSetupError) Error() string {
	return fmt.Sprintf("audio capture setup failed: %v", e.Err)
}

func (e *CaptureSetupError) Unwrap() error { return e.Err }

// PlaybackState is the state of the receiver's playback driver.
type PlaybackState int32

const (
	Idle PlaybackState = iota
	Playing
)

func (s PlaybackState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("PlaybackState(%d)", int32(s))
	}
}
