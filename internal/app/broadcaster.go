package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/engine"
	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

// RunBroadcaster orchestrates the broadcaster lifecycle:
//  1. Open the audio file
//  2. Connect the transport (relay room or WebRTC signaling)
//  3. Stream the audio with the vector events read from vectors
//  4. Return when the file ends, the link drops or ctx is cancelled
func RunBroadcaster(ctx context.Context, cfg config.Config, vectors io.Reader) error {
	src, file, err := OpenSource(cfg.AudioPath)
	if err != nil {
		return err
	}
	defer file.Close()

	tr, err := dial(ctx, cfg, config.RoleBroadcaster)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer tr.Close()

	serveMetrics(ctx, cfg, metrics.New())
	util.StartStatsReporter(ctx)
	util.LogSuccess("Connected, broadcasting %s to class %q", cfg.AudioPath, cfg.ClassID)

	return broadcast(ctx, cfg, tr, src, vectors)
}

// broadcast runs one session on an established link. tr.Done may be nil.
// It returns only after the capture goroutine of src has exited, so the
// caller may close the file behind src.
func broadcast(ctx context.Context, cfg config.Config, tr link, src audio.Source, vectors io.Reader) error {
	b := engine.NewBroadcaster(cfg, tr)

	if err := b.StartBroadcasting(src); err != nil {
		b.Cleanup()
		return err
	}

	var srcDone <-chan struct{}
	if f, ok := src.(finisher); ok {
		srcDone = f.Done()
	}
	defer func() {
		b.Cleanup()
		if srcDone != nil {
			<-srcDone
		}
	}()

	if vectors != nil {
		go readVectors(ctx, vectors, b)
	}

	select {
	case <-ctx.Done():
		util.LogInfo("Broadcast interrupted")
	case <-tr.Done():
		return fmt.Errorf("connection closed by peer")
	case <-srcDone:
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout(cfg))
		defer cancel()
		if err := b.Flush(flushCtx); err != nil {
			util.LogWarning("Last slices not sent: %v", err)
		}
		util.LogInfo("Audio file finished")
	}
	return nil
}

// flushTimeout bounds the wait for the run loop to send the tail of a
// finished file.
func flushTimeout(cfg config.Config) time.Duration {
	return 2*cfg.ChunkInterval() + time.Second
}

// readVectors enqueues one JSON VectorEvent per line, e.g.
// {"x":10,"y":20,"color":"#ff0000","mode":"draw"}. Bad lines are skipped.
func readVectors(ctx context.Context, r io.Reader, b *engine.Broadcaster) {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line++

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev protocol.VectorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			util.LogWarning("Skipping vector line %d: %v", line, err)
			continue
		}
		if !ev.Mode.Valid() {
			util.LogWarning("Skipping vector line %d: missing mode", line)
			continue
		}
		b.EnqueueEvent(ev)
	}

	if err := scanner.Err(); err != nil {
		util.LogWarning("Stopped reading vector events: %v", err)
	}
}
