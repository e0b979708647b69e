// Package rtc is the WebRTC binding. Offer/answer and trickle ICE run over a
// WebSocket; the agent speaks on an Opus track, its picture arrives either on
// a video track or as JPEG frames on the "frames" data channel, and signals
// travel on the "control" data channel.
package rtc

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// Signalling message types.
const (
	msgAuth        = "auth"
	msgOffer       = "offer"
	msgAnswer      = "answer"
	msgCandidate   = "candidate"
	msgICEComplete = "ice-complete"
	msgBye         = "bye"
	msgError       = "error"
)

// Data channel labels.
const (
	ControlChannel = "control"
	FramesChannel  = "frames"
)

// FrameFormat tags frames received on the frames channel.
const FrameFormat = "image/jpeg"

type signalMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	SDP   string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Error string `json:"error,omitempty"`
}

func candidateMessage(c *webrtc.ICECandidate) signalMessage {
	if c == nil {
		return signalMessage{Type: msgICEComplete}
	}
	init := c.ToJSON()
	return signalMessage{Type: msgCandidate, Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex}
}

func (m signalMessage) candidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}
}

// signalConn serialises writes: pion fires candidate callbacks from its own goroutines.
type signalConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *signalConn) send(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteJSON(m)
}

func (c *signalConn) sendError(err error) {
	_ = c.send(signalMessage{Type: msgError, Error: err.Error()})
}

func (c *signalConn) read() (signalMessage, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return signalMessage{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		m.Type = strings.ToLower(m.Type)
		return m, nil
	}
}

// close says bye and closes the socket.
func (c *signalConn) close() {
	_ = c.send(signalMessage{Type: msgBye})
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.timeout))
	c.mu.Unlock()
	_ = c.ws.Close()
}
