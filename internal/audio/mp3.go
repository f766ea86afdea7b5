package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Source decodes an MP3 stream and slices it like PCMSource. go-mp3
// always produces 16-bit stereo.
type MP3Source struct {
	r   io.Reader
	pcm *PCMSource
}

func NewMP3Source(r io.Reader) *MP3Source {
	return &MP3Source{r: r}
}

// Start implements Source.
func (s *MP3Source) Start(interval time.Duration, onChunk func([]byte)) error {
	if s.pcm == nil {
		if s.r == nil {
			return errors.New("mp3 source has no input")
		}
		dec, err := mp3.NewDecoder(s.r)
		if err != nil {
			return fmt.Errorf("failed to open mp3 stream: %w", err)
		}
		s.pcm = NewPCMSource(dec, dec.SampleRate(), 2)
	}
	return s.pcm.Start(interval, onChunk)
}

// Stop implements Source.
func (s *MP3Source) Stop() {
	if s.pcm != nil {
		s.pcm.Stop()
	}
}

// Done is closed when the capture goroutine exits; nil before Start.
func (s *MP3Source) Done() <-chan struct{} {
	if s.pcm == nil {
		return nil
	}
	return s.pcm.Done()
}
