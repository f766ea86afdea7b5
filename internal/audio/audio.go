// Package audio is the engine's audio pipeline: capture sources that slice a
// live stream into fixed-duration encoded chunks, decoders that turn chunks
// back into PCM, and players that report when a buffer finished playing.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrDecode is wrapped by every decoder failure caused by the chunk itself
// (corrupt or unsupported data).
var ErrDecode = errors.New("audio decode failed")

// Chunk codec tags. Every encoded chunk starts with one of them.
const (
	TagPCM  byte = 'P'
	TagOpus byte = 'O'
)

// pcmHeaderSize is Tag(1) + SampleRate(4) + Channels(1).
const pcmHeaderSize = 6

// Source produces encoded audio chunks on a push basis, one per interval.
type Source interface {
	// Start begins slicing. A non-nil error means capture never started and
	// onChunk will not be called. onChunk runs on the capture goroutine,
	// never from within Start.
	Start(interval time.Duration, onChunk func([]byte)) error
	// Stop ends slicing. Safe to call repeatedly and while a slice is in flight.
	Stop()
}

// Decoder turns one encoded chunk into a playable buffer.
type Decoder interface {
	Decode(chunk []byte) (*Buffer, error)
}

// Player plays buffers one at a time. done fires once when playback of buf
// has finished; it never fires after Close.
type Player interface {
	Play(buf *Buffer, done func()) error
	Close() error
}

// Buffer is interleaved signed 16-bit PCM.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns how long the buffer takes to play.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Bytes returns the samples as little-endian s16 bytes.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodePCMChunk builds a TagPCM chunk from little-endian s16 bytes.
func EncodePCMChunk(sampleRate, channels int, pcm []byte) []byte {
	chunk := make([]byte, pcmHeaderSize+len(pcm))
	chunk[0] = TagPCM
	binary.BigEndian.PutUint32(chunk[1:5], uint32(sampleRate))
	chunk[5] = uint8(channels)
	copy(chunk[pcmHeaderSize:], pcm)
	return chunk
}

// EncodeOpusChunk builds a TagOpus chunk: each packet is prefixed with its
// 2-byte length.
func EncodeOpusChunk(packets [][]byte) ([]byte, error) {
	size := 1
	for i, p := range packets {
		if len(p) == 0 || len(p) > 0xffff {
			return nil, fmt.Errorf("opus packet %d has invalid size %d", i, len(p))
		}
		size += 2 + len(p)
	}
	chunk := make([]byte, size)
	chunk[0] = TagOpus
	off := 1
	for _, p := range packets {
		binary.BigEndian.PutUint16(chunk[off:], uint16(len(p)))
		off += 2
		off += copy(chunk[off:], p)
	}
	return chunk, nil
}

// splitOpusChunk is the inverse of EncodeOpusChunk without the tag byte.
func splitOpusChunk(body []byte) ([][]byte, error) {
	var packets [][]byte
	for off := 0; off < len(body); {
		if len(body)-off < 2 {
			return nil, fmt.Errorf("%w: truncated opus packet length", ErrDecode)
		}
		n := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if n == 0 || len(body)-off < n {
			return nil, fmt.Errorf("%w: opus packet of %d bytes exceeds chunk", ErrDecode, n)
		}
		packets = append(packets, body[off:off+n])
		off += n
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: empty opus chunk", ErrDecode)
	}
	return packets, nil
}
