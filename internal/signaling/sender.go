package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// peer is the part of transport.DataChannel the SDP/ICE exchange drives.
type peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
}

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	pc   peer
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return err
	}

	// hold the lock so no trickled candidate overtakes the offer
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.conn.WriteJSON(message{Type: msgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.conn.WriteJSON(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// sendCandidate forwards one gathered ICE candidate. nil ends gathering and
// is not sent.
func (s *sender) sendCandidate(c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
}
