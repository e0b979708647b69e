package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/transport"
)

// peerConn is one joined peer connection and the remote handle it owns.
type peerConn struct {
	log        zerolog.Logger
	sampleRate int
	sig        *signalConn
	pc         *webrtc.PeerConnection
	paced      *OpusPacedWriter
	control    *webrtc.DataChannel

	stream *transport.Stream
	handle *media.Handle
	video  *media.FrameTrack
	audio  *media.PCMTrack

	connected     chan struct{}
	connectedOnce sync.Once
	closing       atomic.Bool
	mu            sync.Mutex
	stopUp        func()
	wg            sync.WaitGroup
	once          sync.Once
}

func newPeerConn(sig *signalConn, sampleRate int, log zerolog.Logger) *peerConn {
	video := media.NewFrameTrack("agent-video")
	audio := media.NewPCMTrack("agent-audio", sampleRate, 2*time.Second)
	return &peerConn{
		log:        log,
		sampleRate: sampleRate,
		sig:        sig,
		stream:     transport.NewStream(),
		handle:     media.NewHandle(media.OwnerTransport, video, audio),
		video:      video,
		audio:      audio,
		connected:  make(chan struct{}),
	}
}

// setup adds the caller's track, the receive-only video transceiver and both
// data channels, and installs the callbacks.
func (c *peerConn) setup(api *webrtc.API, iceServersJSON string) error {
	pc, track, err := newPeer(api, iceServersJSON, "caller-audio")
	if err != nil {
		return err
	}
	c.pc = pc
	if c.paced, err = NewOpusPacedWriter(track, c.sampleRate); err != nil {
		return fmt.Errorf("rtc: opus encoder: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		return err
	}
	if c.control, err = pc.CreateDataChannel(ControlChannel, nil); err != nil {
		return err
	}
	frames, err := pc.CreateDataChannel(FramesChannel, nil)
	if err != nil {
		return err
	}
	frames.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString && len(msg.Data) > 0 {
			c.video.Push(FrameFormat, msg.Data)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug().Str("codec", remote.Codec().MimeType).Msg("remote track")
		switch remote.Kind() {
		case webrtc.RTPCodecTypeAudio:
			go c.readAudio(remote)
		case webrtc.RTPCodecTypeVideo:
			go c.readVideo(remote)
		}
	})
	pc.OnConnectionStateChange(c.onState)
	return nil
}

func (c *peerConn) onState(state webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", state.String()).Msg("peer connection state")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() { close(c.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.finish(fmt.Errorf("%w: peer connection %s", transport.ErrClosed, state))
	case webrtc.PeerConnectionStateClosed:
		c.finish(nil)
	}
}

// finish ends the stream: nil or anything after we started closing is orderly.
func (c *peerConn) finish(err error) {
	if err == nil || c.closing.Load() {
		c.stream.Close(nil)
		return
	}
	c.log.Warn().Err(err).Msg("peer dropped")
	c.stream.Close(err)
}

// signalLoop applies the answer and remote candidates; candidates that
// arrive before the answer are held back.
func (c *peerConn) signalLoop() {
	var pending []webrtc.ICECandidateInit
	answered := false
	for {
		m, err := c.sig.read()
		if err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(nil)
				return
			}
			c.finish(fmt.Errorf("%w: signalling: %v", transport.ErrClosed, err))
			return
		}
		switch m.Type {
		case msgAnswer:
			if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
				c.finish(fmt.Errorf("%w: apply answer: %v", transport.ErrClosed, err))
				return
			}
			answered = true
			for _, cand := range pending {
				_ = c.pc.AddICECandidate(cand)
			}
			pending = nil
		case msgCandidate:
			if m.Candidate == "" {
				continue
			}
			if !answered {
				pending = append(pending, m.candidateInit())
				continue
			}
			if err := c.pc.AddICECandidate(m.candidateInit()); err != nil {
				c.log.Debug().Err(err).Msg("add remote candidate")
			}
		case msgError:
			c.finish(fmt.Errorf("%w: agent: %s", transport.ErrClosed, m.Error))
			return
		case msgBye:
			c.log.Info().Msg("agent said bye")
			c.finish(nil)
			return
		}
	}
}

func (c *peerConn) readAudio(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(c.sampleRate, 1)
	if err != nil {
		c.log.Error().Err(err).Msg("opus decoder")
		return
	}
	// room for the longest Opus frame (120ms)
	pcm := make([]int16, c.sampleRate*120/1000)
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
			c.log.Debug().Err(err).Msg("opus decode")
			continue
		}
		c.audio.Write(pcm[:n])
	}
}

func (c *peerConn) readVideo(remote *webrtc.TrackRemote) {
	codec := remote.Codec()
	depacketizer, ok := depacketizerFor(codec.MimeType)
	if !ok {
		c.log.Warn().Str("codec", codec.MimeType).Msg("unsupported video codec")
		return
	}
	sb := samplebuilder.New(128, depacketizer, codec.ClockRate)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			c.video.Push(codec.MimeType, s.Data)
		}
	}
}

// spawn runs f as a tracked pump unless the connection is closing.
func (c *peerConn) spawn(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Load() {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
	return true
}

// startUplink feeds the local microphone into the Opus track.
func (c *peerConn) startUplink(local *media.Handle) {
	ch, cancel, ok := media.TapAudio(local, 32)
	if !ok {
		return
	}
	c.mu.Lock()
	c.stopUp = cancel
	c.mu.Unlock()
	if !c.spawn(func() {
		for pcm := range ch {
			c.paced.WritePCM(pcm)
		}
	}) {
		cancel()
	}
}

// controlText is the control channel's wire form of sig.
func controlText(sig transport.Signal) string {
	if sig == transport.SignalInterrupt {
		return "barge-in"
	}
	return string(sig)
}

func (c *peerConn) sendControl(sig transport.Signal) {
	if c.closing.Load() || c.control == nil || c.control.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := c.control.SendText(controlText(sig)); err != nil {
		c.log.Debug().Err(err).Str("signal", string(sig)).Msg("control send failed")
	}
}

// close says bye, closes the peer and waits for the pumps, then releases
// the remote handle. Idempotent.
func (c *peerConn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closing.Store(true)
		stopUp := c.stopUp
		c.mu.Unlock()
		c.sig.close()
		if stopUp != nil {
			stopUp()
		}
		if c.pc != nil {
			_ = c.pc.Close()
		}
		if c.paced != nil {
			c.paced.Close()
		}
		c.wg.Wait()
		c.stream.Close(nil)
		c.handle.Release()
	})
}
