// Package protocol defines the stream packet format shared by broadcasters,
// receivers and the relay.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// EventStreamPacket is the named event that carries stream packets.
const EventStreamPacket = "stream_packet"

// Version is the current wire format version.
const Version uint8 = 1

// Mode is the drawing mode of a vector event.
type Mode uint8

const (
	ModeDraw  Mode = 0x01 // add ink at the point
	ModeErase Mode = 0x02 // remove ink at the point
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDraw:
		return "draw"
	case ModeErase:
		return "erase"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDraw || m == ModeErase
}

// ParseMode accepts "draw"/"erase" and the legacy whiteboard names "set"/"reset".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "draw", "set":
		return ModeDraw, nil
	case "erase", "reset":
		return ModeErase, nil
	default:
		return 0, fmt.Errorf("unknown vector mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown vector mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// VectorEvent is one drawing primitive produced by the whiteboard.
type VectorEvent struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
	Mode  Mode    `json:"mode"`
}

// Validate reports whether the event fits the wire format.
func (v VectorEvent) Validate() error {
	if !v.Mode.Valid() {
		return fmt.Errorf("unknown vector mode %d", uint8(v.Mode))
	}
	if len(v.Color) > MaxColorLen {
		return fmt.Errorf("color too long: %d bytes (max %d)", len(v.Color), MaxColorLen)
	}
	return nil
}

// Packet bundles one audio chunk with the vector events drawn during the
// same slice interval.
type Packet struct {
	ClassID     string        // room tag, never used for routing by the engine
	Epoch       uuid.UUID     // broadcaster session; Seq restarts at 0 per epoch
	Seq         uint64        // per-epoch, strictly increasing
	TimestampMs int64         // sender wall clock at emission
	Audio       []byte        // opaque encoded chunk
	Vectors     []VectorEvent // emission order
}
