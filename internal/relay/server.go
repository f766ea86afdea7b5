package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/protocol"
	"github.com/1ureka/hybridsync/internal/util"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP front: /ws joins a room, /healthz reports the
// rooms and /metrics serves Prometheus metrics when enabled.
type Server struct {
	hub     *Hub
	metrics *metrics.Metrics

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	pumps  sync.WaitGroup
}

// NewServer creates a relay server. m may be nil, which disables /metrics.
func NewServer(m *metrics.Metrics) *Server {
	return &Server{
		hub:     NewHub(m),
		metrics: m,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Hub returns the server's room registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Run serves on addr until ctx is cancelled, then closes every member
// connection.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogSuccess("Relay listening on %s", listener.Addr())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	}
}

// Close disconnects every member and waits for their pumps. Hijacked
// connections are not covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.pumps.Wait()
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.pumps.Add(2)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("class")
	if room == "" {
		s.metrics.RecordConnection(false)
		http.Error(w, "missing class parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordConnection(false)
		return
	}
	if !s.track(conn) {
		s.metrics.RecordConnection(false)
		conn.Close()
		return
	}
	s.metrics.RecordConnection(true)

	m := s.hub.join(room, util.PeerIDFromConn(conn.NetConn()))
	util.LogInfo("[%08X] Joined room %q", m.id, room)

	go s.writePump(conn, m)
	go s.readPump(conn, m)
}

// readPump forwards the member's frames to the rest of the room. It owns
// the member's lifetime: when it returns the member leaves.
func (s *Server) readPump(conn *websocket.Conn, m *member) {
	defer s.pumps.Done()
	defer func() {
		s.hub.leave(m)
		s.untrack(conn)
		conn.Close()
		util.LogInfo("[%08X] Left room %q", m.id, m.room)
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("[%08X] Read failed: %v", m.id, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		event, err := protocol.PeekEvent(data)
		if err != nil {
			s.metrics.RecordDropped("malformed", 1)
			util.LogDebug("[%08X] Dropped malformed frame: %v", m.id, err)
			continue
		}

		delivered, dropped := s.hub.broadcast(m, data)
		if dropped > 0 {
			util.LogDebug("[%08X] %s reached %d members, %d queues full", m.id, event, delivered, dropped)
		}
	}
}

// writePump is the connection's only data writer.
func (s *Server) writePump(conn *websocket.Conn, m *member) {
	defer s.pumps.Done()
	defer conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-m.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type healthResponse struct {
	Status  string         `json:"status"`
	Members int64          `json:"members"`
	Rooms   map[string]int `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Members: util.Stats.RelayMembers.Load(),
		Rooms:   s.hub.Rooms(),
	})
}
