package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/hybridsync/internal/protocol"
)

func testPacket(seq uint64) *protocol.Packet {
	return &protocol.Packet{
		ClassID:     "room-a",
		Epoch:       uuid.New(),
		Seq:         seq,
		TimestampMs: 1_700_000_000_000,
		Audio:       []byte{1, 2, 3},
		Vectors:     []protocol.VectorEvent{{X: 1, Y: 2, Color: "#fff", Mode: protocol.ModeErase}},
	}
}

// packetSink collects packets delivered to a handler.
type packetSink struct {
	mu   sync.Mutex
	pkts []*protocol.Packet
}

func (s *packetSink) add(pkt *protocol.Packet) {
	s.mu.Lock()
	s.pkts = append(s.pkts, pkt)
	s.mu.Unlock()
}

func (s *packetSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func (s *packetSink) seqs() map[uint64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[uint64]bool)
	for _, p := range s.pkts {
		m[p.Seq] = true
	}
	return m
}

func TestLoopbackDeliversCopy(t *testing.T) {
	a, b := NewLoopbackPair(0)

	var sink packetSink
	b.On(protocol.EventStreamPacket, sink.add)

	sent := testPacket(7)
	require.NoError(t, a.Emit(protocol.EventStreamPacket, sent))
	require.Equal(t, 1, sink.len())

	got := sink.pkts[0]
	assert.Equal(t, sent, got)
	got.Audio[0] = 99
	assert.Equal(t, byte(1), sent.Audio[0])

	// other events and removed handlers are ignored
	require.NoError(t, a.Emit("other_event", sent))
	b.Off(protocol.EventStreamPacket)
	require.NoError(t, a.Emit(protocol.EventStreamPacket, sent))
	assert.Equal(t, 1, sink.len())
}

func TestLoopbackJitterDeliversEverything(t *testing.T) {
	a, b := NewLoopbackPair(20 * time.Millisecond)

	var sink packetSink
	b.On(protocol.EventStreamPacket, sink.add)

	for seq := uint64(0); seq < 50; seq++ {
		require.NoError(t, a.Emit(protocol.EventStreamPacket, testPacket(seq)))
	}

	require.Eventually(t, func() bool { return sink.len() == 50 }, 2*time.Second, time.Millisecond)
	assert.Len(t, sink.seqs(), 50)
}

func TestLoopbackClosed(t *testing.T) {
	a, b := NewLoopbackPair(0)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, a.Emit(protocol.EventStreamPacket, testPacket(0)), ErrUnavailable)
	assert.ErrorIs(t, b.Emit(protocol.EventStreamPacket, testPacket(0)), ErrUnavailable)

	assert.NoError(t, b.Close())
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestLoopbackRejectsUnencodablePacket(t *testing.T) {
	a, _ := NewLoopbackPair(0)
	pkt := testPacket(0)
	pkt.Vectors[0].Color = strings.Repeat("x", protocol.MaxColorLen+1)
	assert.Error(t, a.Emit(protocol.EventStreamPacket, pkt))
}

func TestDispatchFrameDropsMalformed(t *testing.T) {
	var h handlers
	var sink packetSink
	h.On(protocol.EventStreamPacket, sink.add)

	h.dispatchFrame("test", nil)
	h.dispatchFrame("test", []byte{5, 'a'})

	frame, err := protocol.EncodeFrame(protocol.EventStreamPacket, testPacket(1))
	require.NoError(t, err)
	h.dispatchFrame("test", frame[:len(frame)-1])
	assert.Zero(t, sink.len())

	h.dispatchFrame("test", frame)
	assert.Equal(t, 1, sink.len())
}

func TestRelayURL(t *testing.T) {
	testCases := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"ws://localhost:8080", "ws://localhost:8080/ws?class=physics+101", false},
		{"https://relay.example.test", "wss://relay.example.test/ws?class=physics+101", false},
		{"ftp://relay.example.test", "", true},
		{"ws://", "", true},
		{"::bad", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.base, func(t *testing.T) {
			got, err := RelayURL(tc.base, "physics 101")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// echoServer upgrades /ws and writes every binary frame back.
func echoServer(t *testing.T, classSeen chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		classSeen <- r.URL.Query().Get("class")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	classSeen := make(chan string, 1)
	srv := echoServer(t, classSeen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := DialRelay(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "room-a")
	require.NoError(t, err)
	assert.Equal(t, "room-a", <-classSeen)

	var sink packetSink
	ws.On(protocol.EventStreamPacket, sink.add)

	for seq := uint64(0); seq < 3; seq++ {
		require.NoError(t, ws.Emit(protocol.EventStreamPacket, testPacket(seq)))
	}
	require.Eventually(t, func() bool { return sink.len() == 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())

	select {
	case <-ws.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, ws.Emit(protocol.EventStreamPacket, testPacket(9)), ErrUnavailable)
}

func TestWebSocketServerGone(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ws, err := DialRelay(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "room-b")
	require.NoError(t, err)

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server went away")
	}
	assert.ErrorIs(t, ws.Emit(protocol.EventStreamPacket, testPacket(0)), ErrUnavailable)
}

func TestDialRelayErrors(t *testing.T) {
	_, err := DialRelay(context.Background(), "ws://localhost:1", "")
	assert.ErrorContains(t, err, "class id")

	_, err = DialRelay(context.Background(), "gopher://x", "room")
	assert.Error(t, err)
}

func TestDataChannelEmitBeforeOpen(t *testing.T) {
	dc, err := NewDataChannel(context.Background())
	require.NoError(t, err)
	defer dc.Close()

	assert.ErrorIs(t, dc.Emit(protocol.EventStreamPacket, testPacket(0)), ErrUnavailable)

	require.NoError(t, dc.Close())
	select {
	case <-dc.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, dc.Emit(protocol.EventStreamPacket, testPacket(0)), ErrUnavailable)
}

// TestDataChannelLocalLink connects two DataChannels in-process with
// non-trickle ICE and sends packets across.
func TestDataChannelLocalLink(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offerer, err := NewDataChannel(ctx)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := NewDataChannel(ctx)
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer.pc)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.pc.LocalDescription()))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer.pc)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.pc.LocalDescription()))

	for _, dc := range []*DataChannel{offerer, answerer} {
		select {
		case <-dc.Ready():
		case <-ctx.Done():
			t.Fatal("DataChannel did not open")
		}
	}

	var sink packetSink
	answerer.On(protocol.EventStreamPacket, sink.add)
	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, offerer.Emit(protocol.EventStreamPacket, testPacket(seq)))
	}

	// unreliable channel, but nothing is lost on a local link
	require.Eventually(t, func() bool { return sink.len() == 5 }, 5*time.Second, 5*time.Millisecond)
}
