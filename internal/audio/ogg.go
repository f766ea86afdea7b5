package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// opusClockRate is the granule rate of every Ogg Opus stream (RFC 7845).
const opusClockRate = 48000

var opusTagsSignature = []byte("OpusTags")

// OggOpusSource slices an Ogg Opus file into TagOpus chunks. Each page is
// taken as one Opus packet, the layout pion's oggwriter and most live
// recorders produce. A chunk holds every page whose granule position falls
// inside the slice.
type OggOpusSource struct {
	pacedSource

	r        io.Reader
	reader   *oggreader.OggReader
	header   *oggreader.OggHeader
	boundary uint64
	pending  *oggPage
}

type oggPage struct {
	payload []byte
	granule uint64
}

func NewOggOpusSource(r io.Reader) *OggOpusSource {
	return &OggOpusSource{r: r}
}

// Channels returns the channel count from the ID header; zero before Start.
func (s *OggOpusSource) Channels() int {
	if s.header == nil {
		return 0
	}
	return int(s.header.Channels)
}

// Start implements Source.
func (s *OggOpusSource) Start(interval time.Duration, onChunk func([]byte)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid slice interval %v", interval)
	}

	if s.reader == nil {
		if s.r == nil {
			return errors.New("ogg source has no input")
		}
		reader, header, err := oggreader.NewWith(s.r)
		if err != nil {
			return fmt.Errorf("failed to open ogg opus stream: %w", err)
		}
		s.reader, s.header = reader, header
	}

	step := uint64(int64(opusClockRate) * int64(interval) / int64(time.Second))
	if step == 0 {
		step = 1
	}

	return s.begin(interval, func() ([]byte, error) { return s.next(step) }, onChunk)
}

func (s *OggOpusSource) next(step uint64) ([]byte, error) {
	s.boundary += step

	var packets [][]byte
	for {
		if s.pending == nil {
			payload, hdr, err := s.reader.ParseNextPage()
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					err = io.EOF
				}
				if len(packets) == 0 {
					return nil, err
				}
				chunk, encErr := EncodeOpusChunk(packets)
				if encErr != nil {
					return nil, encErr
				}
				return chunk, err
			}
			if len(payload) == 0 || bytes.HasPrefix(payload, opusTagsSignature) {
				continue
			}
			s.pending = &oggPage{payload: payload, granule: hdr.GranulePosition}
		}

		if s.pending.granule > s.boundary {
			break
		}
		packets = append(packets, s.pending.payload)
		s.pending = nil
	}

	if len(packets) == 0 {
		return nil, nil
	}
	return EncodeOpusChunk(packets)
}
