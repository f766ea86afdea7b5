package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide stream counter set.
var Stats = &stats{}

type stats struct {
	PacketsSent    atomic.Int64 // packets handed to the transport
	PacketsRecv    atomic.Int64 // packets delivered by the transport
	PacketsDropped atomic.Int64 // packets lost to emit failures or jitter buffer policy
	PacketsPlayed  atomic.Int64 // packets dequeued by the playback driver
	DecodeFailures atomic.Int64 // packets whose audio could not be decoded
	VectorsSent    atomic.Int64 // vector events bundled into sent packets
	VectorsApplied atomic.Int64 // vector events replayed on the drawing surface
	BytesSent      atomic.Int64 // encoded audio bytes sent
	BytesRecv      atomic.Int64 // encoded audio bytes received
	BufferDepth    atomic.Int64 // current jitter buffer depth (gauge)
	RelayMembers   atomic.Int64 // current relay room members (gauge)
}

func (s *stats) AddSent(audioBytes, vectors int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(audioBytes))
	s.VectorsSent.Add(int64(vectors))
}

func (s *stats) AddRecv(audioBytes int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(audioBytes))
}

func (s *stats) AddPlayed(vectors int) {
	s.PacketsPlayed.Add(1)
	s.VectorsApplied.Add(int64(vectors))
}

func (s *stats) AddDropped()            { s.PacketsDropped.Add(1) }
func (s *stats) AddDecodeFailure()      { s.DecodeFailures.Add(1) }
func (s *stats) SetBufferDepth(n int)   { s.BufferDepth.Store(int64(n)) }
func (s *stats) AddRelayMember(n int64) { s.RelayMembers.Add(n) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs stream statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevBytesOut, prevBytesIn int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.PacketsSent.Load()
				recv := Stats.PacketsRecv.Load()
				bytesOut := Stats.BytesSent.Load()
				bytesIn := Stats.BytesRecv.Load()

				outS := float64(bytesOut-prevBytesOut) / 10.0
				inS := float64(bytesIn-prevBytesIn) / 10.0
				outP := sent - prevSent
				inP := recv - prevRecv

				if outP > 0 || inP > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inP, outP,
						Stats.BufferDepth.Load(), Stats.PacketsDropped.Load(), Stats.DecodeFailures.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevBytesOut = bytesOut
				prevBytesIn = bytesIn

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inP, outP, depth, dropped, decodeFailures int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Pkt: %3d↓ %3d↑ | Buf: %2d | Drop: %d | Bad audio: %d",
		formatBytes(inS),
		formatBytes(outS),
		inP,
		outP,
		depth,
		dropped,
		decodeFailures,
	)
}
