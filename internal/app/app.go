// Package app wires config, transports, audio and the engine into the
// broadcast, listen, relay and demo roles of the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/engine"
	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/signaling"
	"github.com/1ureka/hybridsync/internal/transport"
	"github.com/1ureka/hybridsync/internal/util"
)

// link is a connected transport the app can wait on and close.
type link interface {
	engine.Transport
	Done() <-chan struct{}
	Close() error
}

// finisher is implemented by sources that end on their own (file input).
type finisher interface {
	Done() <-chan struct{}
}

// dial connects the transport of cfg for role.
func dial(ctx context.Context, cfg config.Config, role config.Role) (link, error) {
	switch cfg.Transport {
	case config.TransportRelay:
		if cfg.RelayURL == "" {
			return nil, errors.New("relay transport needs a relay url")
		}
		ws, err := transport.DialRelay(ctx, cfg.RelayURL, cfg.ClassID)
		if err != nil {
			return nil, err
		}
		return ws, nil

	case config.TransportWebRTC:
		var (
			dc  *transport.DataChannel
			err error
		)
		if role == config.RoleBroadcaster {
			dc, err = signaling.EstablishAsBroadcaster(ctx, cfg.SignalAddr)
		} else {
			if cfg.SignalURL == "" {
				return nil, errors.New("webrtc listener needs the broadcaster's signaling url")
			}
			dc, err = signaling.EstablishAsListener(ctx, cfg.SignalURL)
		}
		if err != nil {
			return nil, err
		}
		return dc, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// OpenSource opens an audio file and picks the source by extension.
// The returned closer releases the file.
func OpenSource(path string) (audio.Source, io.Closer, error) {
	if path == "" {
		return nil, nil, errors.New("no audio file given")
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav", ".mp3", ".ogg", ".opus":
	default:
		return nil, nil, fmt.Errorf("unsupported audio file %q: want .wav, .mp3 or .ogg", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	switch ext {
	case ".wav":
		return audio.NewWAVSource(f), f, nil
	case ".mp3":
		return audio.NewMP3Source(f), f, nil
	default:
		return audio.NewOggOpusSource(f), f, nil
	}
}

// decoderFor returns the receiver decoder of a codec name.
func decoderFor(codec string) audio.Decoder {
	switch codec {
	case config.CodecPCM:
		return audio.PCMDecoder{}
	case config.CodecOpus:
		return audio.NewOpusDecoder()
	default:
		return audio.NewTaggedDecoder()
	}
}

// OpenOutput opens the PCM sink of a listener. "-" is stdout, which stays
// open after the player closes; log lines move to stderr so they do not mix
// with the samples. An empty path discards the audio.
func OpenOutput(path string) (io.WriteCloser, error) {
	switch path {
	case "":
		return nopCloser{io.Discard}, nil
	case "-":
		util.SetLogOutput(os.Stderr)
		return nopCloser{os.Stdout}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// serveMetrics exposes m on cfg.MetricsAddr when it is set.
func serveMetrics(ctx context.Context, cfg config.Config, m *metrics.Metrics) {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, m); err != nil {
			util.LogWarning("Metrics endpoint stopped: %v", err)
		}
	}()
}
