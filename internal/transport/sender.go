package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hybridsync/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing frame channel capacity
)

// sender is the single writer of a DataChannel, adding an open gate and
// backpressure. While it waits the inbox fills up and Emit starts dropping.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender wires the backpressure callbacks on dc and starts the loop,
// which exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case frame := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(frame); err != nil {
				util.LogError("Failed to send frame of %d bytes: %v", len(frame), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// trySend queues a frame without blocking.
func (s *sender) trySend(frame []byte) error {
	select {
	case s.inbox <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}
