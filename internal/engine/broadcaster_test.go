package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

const eventually = 2 * time.Second

func waitPackets(t *testing.T, tr *fakeTransport, n int) []*protocol.Packet {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.packets()) >= n }, eventually, time.Millisecond)
	return tr.packets()
}

func newTestBroadcaster(t *testing.T, tr Transport) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(testConfig(), tr)
	t.Cleanup(b.Cleanup)
	return b
}

// TestBroadcasterBundlesVectorsWithSlice walks through two slices: the
// vectors enqueued before a slice boundary travel with that slice's audio.
func TestBroadcasterBundlesVectorsWithSlice(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	clock := time.UnixMilli(1_700_000_000_000)
	b.now = func() time.Time { return clock }

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))
	assert.Equal(t, 100*time.Millisecond, src.interval)

	b.Enqueue(10, 10, "#000", protocol.ModeDraw)
	b.Enqueue(12, 11, "#000", protocol.ModeDraw)

	clock = clock.Add(100 * time.Millisecond)
	src.push(make([]byte, 800))

	pkts := waitPackets(t, tr, 1)
	assert.Equal(t, uint64(0), pkts[0].Seq)
	assert.Equal(t, "class-1", pkts[0].ClassID)
	assert.Equal(t, clock.UnixMilli(), pkts[0].TimestampMs)
	assert.Len(t, pkts[0].Audio, 800)
	assert.Equal(t, []protocol.VectorEvent{
		{X: 10, Y: 10, Color: "#000", Mode: protocol.ModeDraw},
		{X: 12, Y: 11, Color: "#000", Mode: protocol.ModeDraw},
	}, pkts[0].Vectors)

	clock = clock.Add(50 * time.Millisecond)
	b.Enqueue(50, 50, "#f00", protocol.ModeErase)

	clock = clock.Add(50 * time.Millisecond)
	src.push(make([]byte, 800))

	pkts = waitPackets(t, tr, 2)
	assert.Equal(t, uint64(1), pkts[1].Seq)
	assert.Equal(t, []protocol.VectorEvent{
		{X: 50, Y: 50, Color: "#f00", Mode: protocol.ModeErase},
	}, pkts[1].Vectors)
	assert.Equal(t, pkts[0].Epoch, pkts[1].Epoch)
	assert.Equal(t, b.Epoch(), pkts[0].Epoch)
}

func TestBroadcasterSeqMonotonicAndResetOnRestart(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	first := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(first))
	for i := 0; i < 5; i++ {
		first.push([]byte{byte(i)})
	}
	pkts := waitPackets(t, tr, 5)
	for i, p := range pkts {
		assert.Equal(t, uint64(i), p.Seq)
	}

	b.StopBroadcasting()
	second := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(second))
	second.push([]byte{1})
	second.push([]byte{2})

	pkts = waitPackets(t, tr, 7)
	assert.Equal(t, uint64(0), pkts[5].Seq)
	assert.Equal(t, uint64(1), pkts[6].Seq)
	assert.NotEqual(t, pkts[0].Epoch, pkts[5].Epoch)
	assert.NotEqual(t, uuid.Nil, pkts[5].Epoch)
}

func TestBroadcasterStartIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(t, newFakeTransport())

	first := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(first))
	epoch := b.Epoch()

	b.Enqueue(1, 1, "#000", protocol.ModeDraw)
	second := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(second))

	assert.Zero(t, second.starts)
	assert.Equal(t, epoch, b.Epoch())
	assert.Equal(t, 1, b.Pending())
}

func TestBroadcasterCaptureSetupFailure(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	cause := errors.New("microphone unavailable")
	src := &fakeSource{startErr: cause}
	err := b.StartBroadcasting(src)

	var setupErr *CaptureSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, cause)
	assert.False(t, b.Broadcasting())
	assert.Equal(t, uuid.Nil, b.Epoch())

	src.push([]byte{1})
	assert.Never(t, func() bool { return len(tr.packets()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	var nilErr *CaptureSetupError
	require.ErrorAs(t, b.StartBroadcasting(nil), &nilErr)
}

// TestBroadcasterStopDiscardsPending verifies stop drops unsent vectors and
// that a slice from the stopped session is never sent.
func TestBroadcasterStopDiscardsPending(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))
	b.Enqueue(1, 2, "#000", protocol.ModeDraw)

	b.StopBroadcasting()
	assert.False(t, b.Broadcasting())
	assert.Zero(t, b.Pending())

	src.push([]byte{1, 2, 3})
	assert.Never(t, func() bool { return len(tr.packets()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBroadcasterIdempotentLifecycle(t *testing.T) {
	b := NewBroadcaster(testConfig(), newFakeTransport())

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))

	b.StopBroadcasting()
	b.StopBroadcasting()
	b.Cleanup()
	b.Cleanup()

	assert.Equal(t, 1, src.stopCount())
	assert.ErrorIs(t, b.StartBroadcasting(&fakeSource{}), ErrClosed)
}

func TestBroadcasterCleanupWhileBroadcasting(t *testing.T) {
	b := NewBroadcaster(testConfig(), newFakeTransport())

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))
	src.push([]byte{1})

	b.Cleanup()
	assert.Equal(t, 1, src.stopCount())
	assert.False(t, b.Broadcasting())

	// a slice in flight after cleanup must not block or panic
	src.push([]byte{2})
}

func TestBroadcasterEmptyChunkKeepsVectors(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))
	b.Enqueue(7, 7, "#000", protocol.ModeDraw)

	src.push(nil)
	assert.Equal(t, 1, b.Pending())

	src.push([]byte{1})
	pkts := waitPackets(t, tr, 1)
	assert.Equal(t, uint64(0), pkts[0].Seq)
	assert.Len(t, pkts[0].Vectors, 1)
}

// TestBroadcasterDropsUnencodableVectors keeps one bad event from costing
// the whole slice: it is skipped and its neighbours still travel.
func TestBroadcasterDropsUnencodableVectors(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))

	b.Enqueue(1, 1, "#000", protocol.ModeDraw)
	b.Enqueue(2, 2, "#000", 0)
	b.EnqueueEvent(protocol.VectorEvent{X: 3, Y: 3, Color: strings.Repeat("f", protocol.MaxColorLen+1), Mode: protocol.ModeDraw})
	b.EnqueueEvent(protocol.VectorEvent{X: 4, Y: 4, Color: "#fff", Mode: protocol.ModeErase})
	assert.Equal(t, 2, b.Pending())

	src.push([]byte{1})
	pkts := waitPackets(t, tr, 1)
	assert.Equal(t, []protocol.VectorEvent{
		{X: 1, Y: 1, Color: "#000", Mode: protocol.ModeDraw},
		{X: 4, Y: 4, Color: "#fff", Mode: protocol.ModeErase},
	}, pkts[0].Vectors)

	_, err := protocol.Encode(pkts[0])
	assert.NoError(t, err)
}

func TestBroadcasterFlush(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))
	for i := 0; i < 5; i++ {
		src.push([]byte{byte(i)})
	}

	require.NoError(t, b.Flush(context.Background()))
	assert.Len(t, tr.packets(), 5)

	b.Cleanup()
	assert.ErrorIs(t, b.Flush(context.Background()), ErrClosed)
}

func TestBroadcasterNilTransportDropsSilently(t *testing.T) {
	b := newTestBroadcaster(t, nil)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))

	before := util.Stats.PacketsDropped.Load()
	src.push([]byte{1})
	src.push([]byte{2})

	require.Eventually(t, func() bool {
		return util.Stats.PacketsDropped.Load() >= before+2
	}, eventually, time.Millisecond)
	assert.True(t, b.Broadcasting())
}

// TestBroadcasterEmitFailureKeepsSequence verifies a failed send is a
// dropped frame: the session continues and the seq gap stays visible.
func TestBroadcasterEmitFailureKeepsSequence(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBroadcaster(t, tr)

	src := &fakeSource{}
	require.NoError(t, b.StartBroadcasting(src))

	src.push([]byte{0})
	waitPackets(t, tr, 1)

	tr.setEmitErr(errors.New("channel closed"))
	src.push([]byte{1})
	require.Eventually(t, func() bool { return tr.emitAttempts() == 2 }, eventually, time.Millisecond)

	tr.setEmitErr(nil)
	src.push([]byte{2})

	pkts := waitPackets(t, tr, 2)
	assert.Equal(t, uint64(0), pkts[0].Seq)
	assert.Equal(t, uint64(2), pkts[1].Seq)
}
