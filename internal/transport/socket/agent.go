package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/agent"
	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/transport"
)

type AgentConfig struct {
	Agent   agent.Config
	Painter agent.Painter
	FPS     int
	// Authorize admits a caller; nil admits everyone.
	Authorize    func(r *http.Request) bool
	WriteTimeout time.Duration
}

// AgentServer hosts the loopback agent behind the socket wire format.
type AgentServer struct {
	cfg      AgentConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewAgentServer returns the WebSocket side of the demo agent.
func NewAgentServer(cfg AgentConfig) *AgentServer {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &AgentServer{
		cfg: cfg,
		log: log.WithComponent("agent.socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// agentSink streams agent speech as agent_audio messages; the session already paces it.
type agentSink struct{ w *wsWriter }

func (s agentSink) WritePCM(pcm []int16) {
	_ = s.w.send(message{Type: TypeAgentAudio, Data: base64.StdEncoding.EncodeToString(media.EncodePCM16LE(pcm))})
}
func (agentSink) FlushTail() {}
func (agentSink) Reset()     {}

func (s *AgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Authorize != nil && !s.cfg.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	defer func() { _ = ws.Close() }()

	callID := time.Now().Format("0102150405.000")
	l := s.log.With().Str("call_id", callID).Logger()
	out := &wsWriter{ws: ws, timeout: s.cfg.WriteTimeout}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := agent.NewSession(s.cfg.Agent, agentSink{out}, nil)
	stop := sess.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.paint(ctx, out, sess, l)
	}()

	s.read(ws, sess, l)

	cancel()
	stop()
	wg.Wait()
	_ = out.send(message{Type: TypeBye})
	out.closeFrame()
	l.Info().Int("turns", sess.Turns()).Msg("call ended")
}

func (s *AgentServer) read(ws *websocket.Conn, sess *agent.Session, l zerolog.Logger) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug().Err(err).Msg("read ended")
			}
			return
		}
		if mt == websocket.BinaryMessage {
			sess.Feed(media.DecodePCM16LE(data))
			continue
		}
		var m message
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch m.Type {
		case TypeControl:
			switch transport.Signal(m.Signal) {
			case transport.SignalMute:
				sess.SetMuted(true)
			case transport.SignalUnmute:
				sess.SetMuted(false)
			case transport.SignalInterrupt:
				sess.BargeIn()
			}
			l.Debug().Str("signal", m.Signal).Msg("control")
		case TypeBye:
			return
		}
	}
}

func (s *AgentServer) paint(ctx context.Context, out *wsWriter, sess *agent.Session, l zerolog.Logger) {
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
			if err := out.send(message{Type: TypeVideoFrame, Data: base64.StdEncoding.EncodeToString(frame)}); err != nil {
				return
			}
		}
	}
}
