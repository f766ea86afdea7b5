package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WebSocket is a relay client: every frame it emits is forwarded by the
// relay to the other members of the same class room.
type WebSocket struct {
	handlers

	conn *websocket.Conn
	out  chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	loops     sync.WaitGroup
}

// RelayURL builds the room URL of a relay base address such as
// ws://host:8080.
func RelayURL(base, classID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q must use ws:// or wss://", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", base)
	}

	u.Path = "/ws"
	q := u.Query()
	q.Set("class", classID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialRelay joins the room of classID on the relay at base.
func DialRelay(ctx context.Context, base, classID string) (*WebSocket, error) {
	if classID == "" {
		return nil, errors.New("class id is required to join a relay room")
	}

	roomURL, err := RelayURL(base, classID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, roomURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	util.LogInfo("Joined relay room %q at %s", classID, redactQuery(roomURL))

	return newWebSocket(ctx, conn), nil
}

// redactQuery strips the query for log lines.
func redactQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.RawQuery = ""
	return parsed.String()
}

func newWebSocket(ctx context.Context, conn *websocket.Conn) *WebSocket {
	wsCtx, cancel := context.WithCancel(ctx)
	t := &WebSocket{
		conn:   conn,
		out:    make(chan []byte, sendBufferSize),
		ctx:    wsCtx,
		cancel: cancel,
	}

	t.loops.Add(2)
	go t.readLoop()
	go t.writeLoop()

	go func() {
		<-wsCtx.Done()
		t.Close()
	}()

	return t
}

// Emit queues one frame without blocking.
func (t *WebSocket) Emit(event string, pkt *protocol.Packet) error {
	if t.ctx.Err() != nil {
		return ErrUnavailable
	}

	frame, err := protocol.EncodeFrame(event, pkt)
	if err != nil {
		return err
	}

	select {
	case t.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Done is closed when the connection ends.
func (t *WebSocket) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close ends the connection. Idempotent.
func (t *WebSocket) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
		t.loops.Wait()
	})
	return err
}

func (t *WebSocket) readLoop() {
	defer t.loops.Done()
	defer t.cancel()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogWarning("Relay connection lost: %v", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.dispatchFrame("relay", data)
	}
}

// writeLoop is the connection's only data writer. Close frames are sent
// with WriteControl, which gorilla allows concurrently.
func (t *WebSocket) writeLoop() {
	defer t.loops.Done()
	defer t.cancel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				util.LogWarning("Failed to write to relay: %v", err)
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}
