package audio

import (
	"fmt"

	"github.com/pion/opus"

	"github.com/1ureka/hybridsync/internal/util"
)

// pion/opus decodes one SILK frame of at most 20 ms into a 16 kHz buffer and
// upsamples it by a fixed factor into the output.
const (
	opusUpsample        = 3
	opusMaxFrameSamples = opusClockRate * 20 / 1000
)

// OpusDecoder decodes TagOpus chunks with the pure Go pion/opus decoder.
// Only wideband SILK packets come out at the 48 kHz clock, so every other
// bandwidth is rejected.
type OpusDecoder struct {
	dec *opus.Decoder
	out []byte
}

func NewOpusDecoder() *OpusDecoder {
	dec := opus.NewDecoder()
	return &OpusDecoder{
		dec: &dec,
		out: make([]byte, opusMaxFrameSamples*2),
	}
}

// Decode implements Decoder. Packets are concatenated into one buffer.
func (d *OpusDecoder) Decode(chunk []byte) (buf *Buffer, err error) {
	if len(chunk) < 1 || chunk[0] != TagOpus {
		return nil, fmt.Errorf("%w: not an opus chunk", ErrDecode)
	}

	packets, err := splitOpusChunk(chunk[1:])
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: opus decoder panic: %v", ErrDecode, r)
		}
	}()

	buf = &Buffer{SampleRate: opusClockRate, Channels: 1}
	for i, pkt := range packets {
		bandwidth, isStereo, err := d.dec.Decode(pkt, d.out)
		if err != nil {
			return nil, fmt.Errorf("%w: opus packet %d: %v", ErrDecode, i, err)
		}

		if rate := bandwidth.SampleRate() * opusUpsample; rate != opusClockRate {
			return nil, fmt.Errorf("%w: opus packet %d is %s (%d Hz after decoding), want %d Hz",
				ErrDecode, i, bandwidth, rate, opusClockRate)
		}

		channels := 1
		if isStereo {
			channels = 2
		}
		if i == 0 {
			buf.Channels = channels
		} else if channels != buf.Channels {
			return nil, fmt.Errorf("%w: opus packet %d switches channel count", ErrDecode, i)
		}

		n := opusPacketFrames(pkt) * channels
		if n == 0 || n > len(d.out)/2 {
			return nil, fmt.Errorf("%w: opus packet %d carries %d samples, at most %d fit one frame",
				ErrDecode, i, n, len(d.out)/2)
		}
		for j := 0; j < n; j++ {
			buf.Samples = append(buf.Samples, int16(uint16(d.out[j*2])|uint16(d.out[j*2+1])<<8))
		}

		if util.DebugEnabled() {
			util.LogDebug("Decoded opus packet %d: %d bytes, %s, %d samples", i, len(pkt), bandwidth, n)
		}
	}

	return buf, nil
}

// opusPacketFrames returns the samples per channel a packet decodes to at
// 48 kHz, read from its TOC byte (RFC 6716 section 3.1).
func opusPacketFrames(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}

	config := int(pkt[0] >> 3)
	var tenthsMs int
	switch {
	case config < 12: // SILK
		tenthsMs = []int{100, 200, 400, 600}[config%4]
	case config < 16: // hybrid
		tenthsMs = []int{100, 200}[config%2]
	default: // CELT
		tenthsMs = []int{25, 50, 100, 200}[config%4]
	}

	count := 1
	switch pkt[0] & 0x03 {
	case 1, 2:
		count = 2
	case 3:
		if len(pkt) > 1 {
			count = int(pkt[1] & 0x3f)
		}
	}

	return opusClockRate * tenthsMs / 10000 * count
}

// TaggedDecoder dispatches on the chunk's codec tag.
type TaggedDecoder struct {
	PCM  Decoder
	Opus Decoder
}

// NewTaggedDecoder returns a decoder for every chunk kind the sources emit.
func NewTaggedDecoder() *TaggedDecoder {
	return &TaggedDecoder{PCM: PCMDecoder{}, Opus: NewOpusDecoder()}
}

// Decode implements Decoder.
func (d *TaggedDecoder) Decode(chunk []byte) (*Buffer, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrDecode)
	}

	switch chunk[0] {
	case TagPCM:
		if d.PCM != nil {
			return d.PCM.Decode(chunk)
		}
	case TagOpus:
		if d.Opus != nil {
			return d.Opus.Decode(chunk)
		}
	}
	return nil, fmt.Errorf("%w: unsupported codec tag 0x%02x", ErrDecode, chunk[0])
}
