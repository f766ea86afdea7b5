package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed packet prefix:
// Version(1) + Epoch(16) + Seq(8) + TimestampMs(8) + ClassIDLen(2).
const HeaderSize = 35

// vectorFixedSize is X(8) + Y(8) + Mode(1) + ColorLen(1).
const vectorFixedSize = 18

// Field limits imposed by the length prefixes.
const (
	MaxClassIDLen = math.MaxUint16
	MaxColorLen   = math.MaxUint8
	MaxEventLen   = math.MaxUint8
)

// ErrTruncated is returned when the input ends before a declared field.
var ErrTruncated = errors.New("truncated packet")

// Encode serializes a Packet for transmission.
func Encode(pkt *Packet) ([]byte, error) {
	if len(pkt.ClassID) > MaxClassIDLen {
		return nil, fmt.Errorf("class id too long: %d bytes (max %d)", len(pkt.ClassID), MaxClassIDLen)
	}

	size := HeaderSize + len(pkt.ClassID) + 4 + len(pkt.Audio) + 4
	for i, v := range pkt.Vectors {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		size += vectorFixedSize + len(v.Color)
	}

	buf := make([]byte, size)
	buf[0] = Version
	copy(buf[1:17], pkt.Epoch[:])
	binary.BigEndian.PutUint64(buf[17:25], pkt.Seq)
	binary.BigEndian.PutUint64(buf[25:33], uint64(pkt.TimestampMs))
	binary.BigEndian.PutUint16(buf[33:35], uint16(len(pkt.ClassID)))

	off := HeaderSize
	off += copy(buf[off:], pkt.ClassID)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(pkt.Audio)))
	off += 4
	off += copy(buf[off:], pkt.Audio)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(pkt.Vectors)))
	off += 4
	for _, v := range pkt.Vectors {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v.X))
		binary.BigEndian.PutUint64(buf[off+8:], math.Float64bits(v.Y))
		buf[off+16] = uint8(v.Mode)
		buf[off+17] = uint8(len(v.Color))
		off += vectorFixedSize
		off += copy(buf[off:], v.Color)
	}

	return buf, nil
}

// Decode deserializes a Packet. The returned packet never aliases data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	if data[0] != Version {
		return nil, fmt.Errorf("unsupported packet version %d", data[0])
	}

	pkt := &Packet{
		Seq:         binary.BigEndian.Uint64(data[17:25]),
		TimestampMs: int64(binary.BigEndian.Uint64(data[25:33])),
	}
	copy(pkt.Epoch[:], data[1:17])

	r := reader{buf: data, off: 33}

	classLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	class, err := r.bytes(int(classLen))
	if err != nil {
		return nil, fmt.Errorf("class id: %w", err)
	}
	pkt.ClassID = string(class)

	audioLen, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("audio length: %w", err)
	}
	audio, err := r.bytes(int(audioLen))
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	if len(audio) > 0 {
		pkt.Audio = make([]byte, len(audio))
		copy(pkt.Audio, audio)
	}

	count, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("vector count: %w", err)
	}
	// Each vector needs at least vectorFixedSize bytes; reject absurd counts up front.
	if uint64(count)*vectorFixedSize > uint64(r.remaining()) {
		return nil, fmt.Errorf("vector count %d: %w", count, ErrTruncated)
	}
	if count > 0 {
		pkt.Vectors = make([]VectorEvent, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		fixed, err := r.bytes(vectorFixedSize)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		mode := Mode(fixed[16])
		if !mode.Valid() {
			return nil, fmt.Errorf("vector %d: unknown mode %d", i, fixed[16])
		}
		color, err := r.bytes(int(fixed[17]))
		if err != nil {
			return nil, fmt.Errorf("vector %d color: %w", i, err)
		}
		pkt.Vectors = append(pkt.Vectors, VectorEvent{
			X:     math.Float64frombits(binary.BigEndian.Uint64(fixed[0:8])),
			Y:     math.Float64frombits(binary.BigEndian.Uint64(fixed[8:16])),
			Color: string(color),
			Mode:  mode,
		})
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after packet", r.remaining())
	}

	return pkt, nil
}

// EncodeFrame prefixes an encoded packet with its event name:
// EventLen(1) + Event + Packet.
func EncodeFrame(event string, pkt *Packet) ([]byte, error) {
	if event == "" || len(event) > MaxEventLen {
		return nil, fmt.Errorf("invalid event name length %d", len(event))
	}
	body, err := Encode(pkt)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+len(event)+len(body))
	buf[0] = uint8(len(event))
	copy(buf[1:], event)
	copy(buf[1+len(event):], body)
	return buf, nil
}

// DecodeFrame splits a frame into its event name and decoded packet.
func DecodeFrame(data []byte) (string, *Packet, error) {
	event, err := PeekEvent(data)
	if err != nil {
		return "", nil, err
	}
	pkt, err := Decode(data[1+len(event):])
	if err != nil {
		return "", nil, fmt.Errorf("event %q: %w", event, err)
	}
	return event, pkt, nil
}

// PeekEvent returns the event name of a frame without decoding its body.
func PeekEvent(data []byte) (string, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("empty frame")
	}
	n := int(data[0])
	if n == 0 {
		return "", fmt.Errorf("frame has empty event name")
	}
	if len(data) < 1+n {
		return "", fmt.Errorf("frame event name: %w", ErrTruncated)
	}
	return string(data[1 : 1+n]), nil
}

// reader is a bounds-checked cursor over a byte slice.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
