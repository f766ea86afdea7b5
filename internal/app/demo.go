package app

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/1ureka/hybridsync/internal/audio"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/engine"
	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/transport"
	"github.com/1ureka/hybridsync/internal/util"
)

const (
	demoDuration   = 5 * time.Second
	demoSampleRate = 16000
	demoStrokeRate = 20 * time.Millisecond
)

// DemoResult summarises a demo run.
type DemoResult struct {
	VectorsDrawn   int64
	VectorsApplied int64
}

// RunDemo runs a broadcaster and a listener in one process over a loopback
// link that delays every packet by up to half a slice, so packets arrive
// out of order. The broadcaster streams cfg.AudioPath, or a generated tone
// when it is empty, while tracing a circle on the whiteboard.
func RunDemo(ctx context.Context, cfg config.Config, out io.WriteCloser) (DemoResult, error) {
	var src audio.Source
	if cfg.AudioPath != "" {
		s, file, err := OpenSource(cfg.AudioPath)
		if err != nil {
			out.Close()
			return DemoResult{}, err
		}
		defer file.Close()
		src = s
	} else {
		src = audio.NewPCMSource(bytes.NewReader(tone(440, demoSampleRate, demoDuration)), demoSampleRate, 1)
	}

	serveMetrics(ctx, cfg, metrics.New())
	util.StartStatsReporter(ctx)

	return demo(ctx, cfg, src, out)
}

func demo(ctx context.Context, cfg config.Config, src audio.Source, out io.Writer) (DemoResult, error) {
	var res DemoResult

	linkDelay := cfg.ChunkInterval() / 2
	a, b := transport.NewLoopbackPair(linkDelay)
	defer a.Close()
	defer b.Close()

	var applied atomic.Int64
	r := engine.NewReceiver(cfg, b, decoderFor(cfg.Codec), audio.NewStreamPlayer(out))
	defer r.Cleanup()
	if err := r.StartListening(func(ev protocol.VectorEvent) {
		applied.Add(1)
		logVector(ev)
	}); err != nil {
		return res, err
	}

	bc := engine.NewBroadcaster(cfg, a)
	if err := bc.StartBroadcasting(src); err != nil {
		bc.Cleanup()
		return res, err
	}
	util.LogSuccess("Demo running: broadcaster and listener linked in-process")

	var srcDone <-chan struct{}
	if f, ok := src.(finisher); ok {
		srcDone = f.Done()
	}
	// the file behind src is closed once demo returns
	defer func() {
		bc.Cleanup()
		if srcDone != nil {
			<-srcDone
		}
	}()

	ticker := time.NewTicker(demoStrokeRate)
	defer ticker.Stop()

	start := time.Now()
draw:
	for {
		select {
		case <-ctx.Done():
			return res, nil
		case <-srcDone:
			break draw
		case now := <-ticker.C:
			x, y, color := circlePoint(now.Sub(start))
			bc.Enqueue(x, y, color, protocol.ModeDraw)
			res.VectorsDrawn++
		}
	}

	// Wait for the tail of the stream: the last slice, the loopback delay
	// and whatever is still buffered or playing.
	flushCtx, cancelFlush := context.WithTimeout(ctx, flushTimeout(cfg))
	defer cancelFlush()
	if err := bc.Flush(flushCtx); err != nil {
		util.LogWarning("Last slices not sent: %v", err)
	}
	select {
	case <-ctx.Done():
		return res, nil
	case <-time.After(linkDelay):
	}

	drainCtx, cancel := context.WithTimeout(ctx, cfg.MaxBufferWait()+2*time.Second)
	defer cancel()
	waitDrained(drainCtx, r, cfg.ChunkInterval())

	res.VectorsApplied = applied.Load()
	util.LogInfo("Demo finished: %d vectors drawn, %d replayed", res.VectorsDrawn, res.VectorsApplied)
	return res, nil
}

// waitDrained returns once r has nothing buffered and is idle, or ctx ends.
func waitDrained(ctx context.Context, r *engine.Receiver, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if r.Buffered() == 0 && r.State() == engine.Idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// circlePoint traces a circle of radius 100 around (200, 200), one turn
// every two seconds, changing color each turn.
func circlePoint(elapsed time.Duration) (x, y float64, color string) {
	colors := []string{"#e53935", "#1e88e5", "#43a047"}
	turn := elapsed.Seconds() / 2
	angle := 2 * math.Pi * turn
	return 200 + 100*math.Cos(angle), 200 + 100*math.Sin(angle), colors[int(turn)%len(colors)]
}

// tone renders a mono s16le sine wave at half amplitude.
func tone(freq float64, sampleRate int, d time.Duration) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
