// Package signaling runs the WebSocket SDP/ICE exchange that connects one
// broadcaster and one listener over a WebRTC DataChannel. Callers receive a
// ready transport.DataChannel; the WebSocket is closed once it opens.
package signaling

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/hybridsync/internal/transport"
	"github.com/1ureka/hybridsync/internal/util"
)

// EstablishAsBroadcaster hosts the signaling endpoint on addr, waits for a
// listener presenting the PIN, sends the offer and returns once the
// DataChannel is open.
func EstablishAsBroadcaster(ctx context.Context, addr string) (*transport.DataChannel, error) {
	pin := generatePIN(pinLength)

	srv := newServer(pin)
	wsPort, err := srv.start(addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	printConnectionInfo(addr, wsPort, pin)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for listener: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("Listener connected from %s", wsConn.RemoteAddr())

	tr, err := transport.NewDataChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{pc: tr, conn: wsConn}
	errCh := exchange(tr, wsConn, s)

	if err := s.sendOffer(); err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	return waitReady(ctx, tr, errCh)
}

// EstablishAsListener dials the broadcaster's signaling URL, answers its
// offer and returns once the DataChannel is open.
func EstablishAsListener(ctx context.Context, wsURL string) (*transport.DataChannel, error) {
	util.LogInfo("Connecting to broadcaster...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()

	tr, err := transport.NewDataChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{pc: tr, conn: wsConn}
	errCh := exchange(tr, wsConn, s)

	return waitReady(ctx, tr, errCh)
}

// exchange trickles local candidates and starts the read loop. The loop
// exits when wsConn is closed.
func exchange(tr *transport.DataChannel, wsConn *websocket.Conn, s *sender) <-chan error {
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("Failed to send ICE candidate: %v", err)
		}
	})

	r := &receiver{pc: tr, conn: wsConn, sender: s}
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()
	return errCh
}

func waitReady(ctx context.Context, tr *transport.DataChannel, errCh <-chan error) (*transport.DataChannel, error) {
	select {
	case <-tr.Ready():
		util.LogInfo("WebRTC DataChannel established, closing WS")
		return tr, nil

	case err := <-errCh:
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}

// printConnectionInfo shows what the listener needs to connect.
func printConnectionInfo(addr string, port int, pin string) {
	host := "127.0.0.1"
	if h, _, err := net.SplitHostPort(addr); err == nil && h != "" && h != "127.0.0.1" && h != "localhost" {
		host = h
	} else if err == nil && h == "" {
		host = "<this-host>"
	}

	lines := []string{
		fmt.Sprintf("Port : %d", port),
		fmt.Sprintf("PIN  : %s", pin),
		fmt.Sprintf("URL  : ws://%s:%d/ws?pin=%s", host, port, pin),
		"",
		"Forward this port to share it beyond the LAN.",
	}
	pterm.DefaultBox.WithTitle("WebSocket Signaling").Println(strings.Join(lines, "\n"))
	util.LogInfo("Waiting for a listener...")
}
