package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// PCMSource slices a stream of interleaved s16le samples into TagPCM chunks
// of exactly one interval each (the last chunk may be shorter).
type PCMSource struct {
	pacedSource

	r          io.Reader
	wav        bool
	sampleRate int
	channels   int
}

// NewPCMSource reads headerless s16le samples from r.
func NewPCMSource(r io.Reader, sampleRate, channels int) *PCMSource {
	return &PCMSource{r: r, sampleRate: sampleRate, channels: channels}
}

// NewWAVSource reads a RIFF/WAVE stream. The header is parsed by Start, so a
// malformed file is reported as a capture setup failure.
func NewWAVSource(r io.Reader) *PCMSource {
	return &PCMSource{r: r, wav: true}
}

// Format returns the sample rate and channel count; zero before a WAV
// header has been parsed.
func (s *PCMSource) Format() (sampleRate, channels int) {
	return s.sampleRate, s.channels
}

// Start implements Source.
func (s *PCMSource) Start(interval time.Duration, onChunk func([]byte)) error {
	if s.r == nil {
		return errors.New("pcm source has no input")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid slice interval %v", interval)
	}

	if s.wav {
		rate, ch, err := readWAVHeader(s.r)
		if err != nil {
			return err
		}
		s.sampleRate, s.channels, s.wav = rate, ch, false
	}

	if s.sampleRate <= 0 || s.channels <= 0 || s.channels > 255 {
		return fmt.Errorf("unsupported pcm format: %d Hz, %d channels", s.sampleRate, s.channels)
	}

	frameSize := s.channels * 2
	frames := int(int64(s.sampleRate) * int64(interval) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	buf := make([]byte, frames*frameSize)

	return s.begin(interval, func() ([]byte, error) { return s.next(buf) }, onChunk)
}

func (s *PCMSource) next(buf []byte) ([]byte, error) {
	n, err := io.ReadFull(s.r, buf)
	n -= n % (s.channels * 2)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return EncodePCMChunk(s.sampleRate, s.channels, buf[:n]), err
}

// readWAVHeader consumes everything up to the start of the data chunk.
func readWAVHeader(r io.Reader) (sampleRate, channels int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, 0, errors.New("not a RIFF/WAVE stream")
	}

	var haveFmt bool
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return 0, 0, fmt.Errorf("wav stream ended before data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return 0, 0, fmt.Errorf("wav fmt chunk too short (%d bytes)", size)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return 0, 0, fmt.Errorf("failed to read wav fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(fmtChunk[0:2])
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			bits := binary.LittleEndian.Uint16(fmtChunk[14:16])
			if format != 1 || bits != 16 {
				return 0, 0, fmt.Errorf("unsupported wav encoding (format %d, %d bits), need 16-bit PCM", format, bits)
			}
			haveFmt = true
			size -= 16

		case "data":
			if !haveFmt {
				return 0, 0, errors.New("wav data chunk before fmt chunk")
			}
			return sampleRate, channels, nil
		}

		// chunks are word aligned
		size += size & 1
		if _, err := io.CopyN(io.Discard, r, size); err != nil {
			return 0, 0, fmt.Errorf("failed to skip wav chunk %q: %w", id, err)
		}
	}
}

// PCMDecoder decodes TagPCM chunks.
type PCMDecoder struct{}

// Decode implements Decoder.
func (PCMDecoder) Decode(chunk []byte) (*Buffer, error) {
	if len(chunk) < pcmHeaderSize || chunk[0] != TagPCM {
		return nil, fmt.Errorf("%w: not a pcm chunk", ErrDecode)
	}

	rate := int(binary.BigEndian.Uint32(chunk[1:5]))
	channels := int(chunk[5])
	body := chunk[pcmHeaderSize:]

	if rate == 0 || channels == 0 {
		return nil, fmt.Errorf("%w: pcm chunk declares %d Hz, %d channels", ErrDecode, rate, channels)
	}
	if len(body)%(channels*2) != 0 {
		return nil, fmt.Errorf("%w: pcm body of %d bytes is not whole frames", ErrDecode, len(body))
	}

	samples := make([]int16, len(body)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}
	return &Buffer{SampleRate: rate, Channels: channels, Samples: samples}, nil
}
