package rtc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/agent"
	"github.com/chadiek/live-demo/internal/log"
)

type AgentConfig struct {
	Agent   agent.Config
	Painter agent.Painter
	FPS     int
	// ICEServers is a JSON array of RTCIceServer objects.
	ICEServers string
	Loopback   bool
	// Authorize checks the upgrade request or, failing that, the token of a
	// leading auth message. Nil admits everyone.
	Authorize    func(r *http.Request, token string) bool
	WriteTimeout time.Duration
}

// AgentServer hosts the loopback agent over WebRTC with WebSocket signalling.
type AgentServer struct {
	cfg      AgentConfig
	api      *webrtc.API
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewAgentServer returns the WebRTC side of the demo agent.
func NewAgentServer(cfg AgentConfig) (*AgentServer, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Agent.SampleRate <= 0 {
		cfg.Agent.SampleRate = 16000
	}
	api, err := newAPI(cfg.Loopback)
	if err != nil {
		return nil, err
	}
	return &AgentServer{
		cfg: cfg,
		api: api,
		log: log.WithComponent("agent.rtc"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades to WebSocket and runs offer/answer plus trickle ICE.
// The caller sends auth (optional), then offer, then any candidates.
func (s *AgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	sig := &signalConn{ws: ws, timeout: s.cfg.WriteTimeout}
	defer sig.close()

	callID := time.Now().Format("0102150405.000")
	l := s.log.With().Str("call_id", callID).Logger()

	offer, err := s.awaitOffer(r, sig)
	if err != nil {
		l.Info().Err(err).Msg("no offer")
		return
	}

	pc, track, err := newPeer(s.api, s.cfg.ICEServers, "agent-audio")
	if err != nil {
		sig.sendError(err)
		return
	}
	defer func() { _ = pc.Close() }()
	paced, err := NewOpusPacedWriter(track, s.cfg.Agent.SampleRate)
	if err != nil {
		sig.sendError(err)
		return
	}
	defer paced.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := agent.NewSession(s.cfg.Agent, paced, func(t agent.Turn) {
		l.Info().Int("turn", t.Index).Dur("heard", t.Heard).Dur("spoken", t.Spoken).Bool("interrupted", t.Interrupted).Msg("turn")
	})
	var (
		mu        sync.Mutex
		pumps     sync.WaitGroup
		ended     bool
		startOnce sync.Once
		stop      = func() {}
	)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) { _ = sig.send(candidateMessage(c)) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.Info().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			startOnce.Do(func() {
				mu.Lock()
				if !ended {
					stop = sess.Start(ctx)
				}
				mu.Unlock()
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			cancel()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case ControlChannel:
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				s.control(sess, paced, string(msg.Data), l)
			})
		case FramesChannel:
			dc.OnOpen(func() {
				mu.Lock()
				defer mu.Unlock()
				if ended {
					return
				}
				pumps.Add(1)
				go func() {
					defer pumps.Done()
					s.paint(ctx, dc, sess, l)
				}()
			})
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		l.Info().Str("codec", remote.Codec().MimeType).Msg("caller audio")
		go s.listen(remote, sess, l)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		sig.sendError(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sig.sendError(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		sig.sendError(err)
		return
	}
	if err := sig.send(signalMessage{Type: msgAnswer, SDP: pc.LocalDescription().SDP}); err != nil {
		l.Warn().Err(err).Msg("send answer")
		return
	}

	// a failed peer unblocks the read loop below
	go func() {
		<-ctx.Done()
		_ = ws.SetReadDeadline(time.Now())
	}()
	s.readCandidates(sig, pc)

	cancel()
	mu.Lock()
	ended = true
	mu.Unlock()
	stop()
	pumps.Wait()
	l.Info().Int("turns", sess.Turns()).Msg("call ended")
}

func (s *AgentServer) awaitOffer(r *http.Request, sig *signalConn) (string, error) {
	authed := s.cfg.Authorize == nil || s.cfg.Authorize(r, "")
	for {
		m, err := sig.read()
		if err != nil {
			return "", err
		}
		switch {
		case m.Type == msgBye:
			return "", errors.New("caller left")
		case !authed:
			if m.Type != msgAuth || !s.cfg.Authorize(r, m.Token) {
				sig.sendError(errors.New("unauthorized"))
				return "", errors.New("unauthorized")
			}
			authed = true
		case m.Type == msgOffer && m.SDP != "":
			return m.SDP, nil
		}
	}
}

func (s *AgentServer) readCandidates(sig *signalConn, pc *webrtc.PeerConnection) {
	for {
		m, err := sig.read()
		if err != nil {
			return
		}
		switch m.Type {
		case msgCandidate:
			if m.Candidate != "" {
				_ = pc.AddICECandidate(m.candidateInit())
			}
		case msgBye:
			return
		}
	}
}

func (s *AgentServer) control(sess *agent.Session, paced *OpusPacedWriter, raw string, l zerolog.Logger) {
	cmd := strings.TrimSpace(strings.ToLower(raw))
	switch cmd {
	case "mute":
		sess.SetMuted(true)
	case "unmute":
		sess.SetMuted(false)
	case "interrupt", "stop", "stop-speaking", "cancel", "barge-in":
		sess.BargeIn()
		paced.Reset()
	default:
		return
	}
	l.Debug().Str("signal", cmd).Msg("control")
}

// listen decodes the caller's Opus into the session; returns when the track ends.
func (s *AgentServer) listen(remote *webrtc.TrackRemote, sess *agent.Session, l zerolog.Logger) {
	dec, err := opus.NewDecoder(s.cfg.Agent.SampleRate, 1)
	if err != nil {
		l.Error().Err(err).Msg("opus decoder")
		return
	}
	pcm := make([]int16, s.cfg.Agent.SampleRate*120/1000)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			continue
		}
		out := make([]int16, n)
		copy(out, pcm[:n])
		sess.Feed(out)
	}
}

func (s *AgentServer) paint(ctx context.Context, dc *webrtc.DataChannel, sess *agent.Session, l zerolog.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame, err := s.cfg.Painter.Paint(sess.IsSpeaking(), now.Sub(start))
			if err != nil {
				l.Warn().Err(err).Msg("paint frame")
				return
			}
			if err := dc.Send(frame); err != nil {
				return
			}
		}
	}
}
