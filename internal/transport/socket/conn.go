// Package socket is the raw WebSocket binding: the agent streams JPEG
// frames and PCM audio as JSON messages, the caller's microphone goes up as
// binary PCM.
package socket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/transport"
)

// Message types on the wire.
const (
	TypeVideoFrame = "video_frame"
	TypeAgentAudio = "agent_audio"
	TypeControl    = "control"
	TypeBye        = "bye"
	TypeError      = "error"
)

const FrameFormat = "image/jpeg"

type message struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Signal string `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsWriter serialises writes; gorilla connections allow one concurrent writer.
type wsWriter struct {
	ws      *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsWriter) write(mt int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.ws.WriteMessage(mt, data)
}

func (w *wsWriter) send(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, b)
}

func (w *wsWriter) closeFrame() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.timeout))
}

// conn is one joined socket: it owns the remote handle it publishes.
type conn struct {
	w      *wsWriter
	log    zerolog.Logger
	stream *transport.Stream
	handle *media.Handle
	video  *media.FrameTrack
	audio  *media.PCMTrack

	closing atomic.Bool
	stopUp  func()
	wg      sync.WaitGroup
	once    sync.Once
}

func newConn(ws *websocket.Conn, cfg Config, log zerolog.Logger) *conn {
	video := media.NewFrameTrack("agent-video")
	audio := media.NewPCMTrack("agent-audio", cfg.SampleRate, 2*time.Second)
	return &conn{
		w:      &wsWriter{ws: ws, timeout: cfg.WriteTimeout},
		log:    log,
		stream: transport.NewStream(),
		handle: media.NewHandle(media.OwnerTransport, video, audio),
		video:  video,
		audio:  audio,
	}
}

func (c *conn) start(local *media.Handle) {
	c.stream.Publish(c.handle)
	if ch, cancel, ok := media.TapAudio(local, 32); ok {
		c.stopUp = cancel
		c.wg.Add(1)
		go c.uplink(ch)
	}
	c.wg.Add(1)
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer c.wg.Done()
	for {
		mt, data, err := c.w.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}
		switch m.Type {
		case TypeVideoFrame:
			b, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil || len(b) == 0 {
				continue
			}
			c.video.Push(FrameFormat, b)
		case TypeAgentAudio:
			b, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				continue
			}
			c.audio.Write(media.DecodePCM16LE(b))
		case TypeError:
			c.log.Warn().Str("error", m.Error).Msg("agent reported an error")
		case TypeBye:
			c.log.Info().Msg("agent said bye")
			c.finish(nil)
			return
		}
	}
}

// finish ends the stream: nil or a close we asked for is orderly, anything
// else is a drop.
func (c *conn) finish(err error) {
	if c.stopUp != nil {
		c.stopUp()
	}
	if err == nil || c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.stream.Close(nil)
		return
	}
	c.log.Warn().Err(err).Msg("socket dropped")
	c.stream.Close(fmt.Errorf("%w: %v", transport.ErrClosed, err))
}

func (c *conn) uplink(ch <-chan []int16) {
	defer c.wg.Done()
	for pcm := range ch {
		if err := c.w.write(websocket.BinaryMessage, media.EncodePCM16LE(pcm)); err != nil {
			if !c.closing.Load() {
				c.log.Debug().Err(err).Msg("uplink write failed")
			}
			return
		}
	}
}

func (c *conn) control(sig transport.Signal) {
	if c.closing.Load() {
		return
	}
	if err := c.w.send(message{Type: TypeControl, Signal: string(sig)}); err != nil {
		c.log.Debug().Err(err).Str("signal", string(sig)).Msg("control send failed")
	}
}

// close says bye, closes the socket, waits for the pumps and releases the
// remote handle. Idempotent.
func (c *conn) close() {
	c.once.Do(func() {
		c.closing.Store(true)
		_ = c.w.send(message{Type: TypeBye})
		c.w.closeFrame()
		_ = c.w.ws.Close()
		if c.stopUp != nil {
			c.stopUp()
		}
		c.wg.Wait()
		c.stream.Close(nil)
		c.handle.Release()
	})
}
