package app

import (
	"context"
	"fmt"
	"io"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/engine"
	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

// RunListener orchestrates the listener lifecycle:
//  1. Connect the transport (relay room or WebRTC signaling)
//  2. Play the stream into out and replay vector events in step with it
//  3. Return when the link drops or ctx is cancelled
//
// out is closed when playback ends.
func RunListener(ctx context.Context, cfg config.Config, out io.WriteCloser) error {
	tr, err := dial(ctx, cfg, config.RoleReceiver)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer tr.Close()

	serveMetrics(ctx, cfg, metrics.New())
	util.StartStatsReporter(ctx)
	util.LogSuccess("Connected, listening to class %q", cfg.ClassID)

	return listen(ctx, cfg, tr, out, logVector)
}

// listen plays one session from an established link until ctx or the link
// ends.
func listen(ctx context.Context, cfg config.Config, tr link, out io.Writer, onVector func(protocol.VectorEvent)) error {
	r := engine.NewReceiver(cfg, tr, decoderFor(cfg.Codec), audio.NewStreamPlayer(out))
	defer r.Cleanup()

	if err := r.StartListening(onVector); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		util.LogInfo("Listener interrupted")
		return nil
	case <-tr.Done():
		return fmt.Errorf("connection closed by peer")
	}
}

// logVector is the listener's drawing surface: it prints what a whiteboard
// would draw.
func logVector(ev protocol.VectorEvent) {
	if util.DebugEnabled() {
		util.LogDebug("%-5s (%.1f, %.1f) %s", ev.Mode, ev.X, ev.Y, ev.Color)
	}
}
