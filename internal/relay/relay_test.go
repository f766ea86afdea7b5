package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/transport"
)

type inbox struct {
	mu   sync.Mutex
	seqs []uint64
}

func (in *inbox) add(pkt *protocol.Packet) {
	in.mu.Lock()
	in.seqs = append(in.seqs, pkt.Seq)
	in.mu.Unlock()
}

func (in *inbox) got() []uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]uint64(nil), in.seqs...)
}

func startRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(metrics.New())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func join(t *testing.T, base, room string) (*transport.WebSocket, *inbox) {
	t.Helper()
	ws, err := transport.DialRelay(context.Background(), base, room)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	in := &inbox{}
	ws.On(protocol.EventStreamPacket, in.add)
	return ws, in
}

func waitMembers(t *testing.T, s *Server, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Hub().Rooms()[room] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func packet(seq uint64) *protocol.Packet {
	return &protocol.Packet{ClassID: "c1", Epoch: uuid.New(), Seq: seq, Audio: []byte{'P', 0, 0, 0x1f, 0x40, 1}}
}

// TestRelayForwardsToOthersInRoom verifies a frame reaches every other
// member of the sender's room, not the sender and not other rooms.
func TestRelayForwardsToOthersInRoom(t *testing.T) {
	s, srv := startRelay(t)

	sender, fromSender := join(t, srv.URL, "c1")
	_, peer1 := join(t, srv.URL, "c1")
	_, peer2 := join(t, srv.URL, "c1")
	_, outsider := join(t, srv.URL, "c2")
	waitMembers(t, s, "c1", 3)
	waitMembers(t, s, "c2", 1)

	for seq := uint64(0); seq < 3; seq++ {
		require.NoError(t, sender.Emit(protocol.EventStreamPacket, packet(seq)))
	}

	require.Eventually(t, func() bool {
		return len(peer1.got()) == 3 && len(peer2.got()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{0, 1, 2}, peer1.got())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fromSender.got())
	assert.Empty(t, outsider.got())
}

// TestRelayDropsMalformedFrames verifies frames without a readable event
// header never reach the room, while later frames still do.
func TestRelayDropsMalformedFrames(t *testing.T) {
	s, srv := startRelay(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?class=c1"
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()

	_, peer := join(t, srv.URL, "c1")
	waitMembers(t, s, "c1", 2)

	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, []byte{0}))
	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, []byte{40, 's'}))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("hello")))

	frame, err := protocol.EncodeFrame(protocol.EventStreamPacket, packet(7))
	require.NoError(t, err)
	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, frame))

	require.Eventually(t, func() bool { return len(peer.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{7}, peer.got())
}

func TestRelayRequiresClass(t *testing.T) {
	_, srv := startRelay(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayMemberLeaves(t *testing.T) {
	s, srv := startRelay(t)

	a, _ := join(t, srv.URL, "c1")
	join(t, srv.URL, "c1")
	waitMembers(t, s, "c1", 2)

	require.NoError(t, a.Close())
	waitMembers(t, s, "c1", 1)
}

func TestHealthz(t *testing.T) {
	s, srv := startRelay(t)
	join(t, srv.URL, "physics")
	waitMembers(t, s, "physics", 1)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Rooms["physics"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := startRelay(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestHubQueueFull verifies a member whose queue is full misses frames
// without blocking the sender.
func TestHubQueueFull(t *testing.T) {
	h := NewHub(nil)
	from := h.join("c1", 1)
	slow := h.join("c1", 2)
	defer h.leave(from)
	defer h.leave(slow)

	for i := 0; i < memberQueueSize; i++ {
		delivered, dropped := h.broadcast(from, []byte{1})
		require.Equal(t, 1, delivered)
		require.Zero(t, dropped)
	}

	delivered, dropped := h.broadcast(from, []byte{1})
	assert.Zero(t, delivered)
	assert.Equal(t, 1, dropped)
	assert.Empty(t, from.send)
}

func TestHubLeaveTwice(t *testing.T) {
	h := NewHub(nil)
	m := h.join("c1", 1)

	h.leave(m)
	assert.NotPanics(t, func() { h.leave(m) })
	assert.Empty(t, h.Rooms())
}

// TestServeShutdownDisconnectsMembers verifies cancelling the context ends
// member connections.
func TestServeShutdownDisconnectsMembers(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, listener) }()

	ws, err := transport.DialRelay(context.Background(), "ws://"+listener.Addr().String(), "c1")
	require.NoError(t, err)
	waitMembers(t, s, "c1", 1)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("member connection still open after shutdown")
	}
	assert.Empty(t, s.Hub().Rooms())
}
