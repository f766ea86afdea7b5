package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hybridsync/internal/util"
)

// receiver applies incoming signaling messages to the peer. Candidates that
// arrive before the remote description are held back until it is set.
type receiver struct {
	pc     peer
	conn   *websocket.Conn
	sender *sender

	haveRemote bool
	pending    []webrtc.ICECandidateInit
}

// watch runs until the WebSocket fails or closes.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		if err := r.handle(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) handle(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		if err := r.sender.sendAnswer(); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}

	case msgTypeAnswer:
		if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
			return err
		}

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		if !r.haveRemote {
			r.pending = append(r.pending, init)
			return nil
		}
		if err := r.pc.AddICECandidate(init); err != nil {
			util.LogWarning("Failed to add ICE candidate: %v", err)
		}

	default:
		util.LogDebug("Ignoring signaling message of type %q", msg.Type)
	}
	return nil
}

func (r *receiver) setRemote(kind webrtc.SDPType, sdp string) error {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: kind, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply remote %s: %w", kind, err)
	}
	r.haveRemote = true

	for _, c := range r.pending {
		if err := r.pc.AddICECandidate(c); err != nil {
			util.LogWarning("Failed to add ICE candidate: %v", err)
		}
	}
	r.pending = nil
	return nil
}
