package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/transport"
)

type Config struct {
	Dialer *websocket.Dialer
	// SampleRate of decoded agent audio and of the caller's microphone.
	SampleRate   int
	WriteTimeout time.Duration
	// Loopback admits loopback ICE candidates.
	Loopback bool
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second, ReadBufferSize: 65536, WriteBufferSize: 65536}
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	return c
}

// Adapter implements transport.Adapter over WebRTC.
type Adapter struct {
	prov transport.Provisioner
	cfg  Config
	api  *webrtc.API
	log  zerolog.Logger

	sessions transport.Tracker

	mu    sync.Mutex
	local *media.Handle
	conn  *peerConn
}

// New returns a WebRTC adapter that provisions through prov.
func New(prov transport.Provisioner, cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()
	api, err := newAPI(cfg.Loopback)
	if err != nil {
		return nil, fmt.Errorf("rtc: build api: %w", err)
	}
	return &Adapter{prov: prov, cfg: cfg, api: api, log: log.WithComponent("transport.rtc")}, nil
}

func (a *Adapter) Provision(ctx context.Context, p transport.SessionParams) (transport.ProvisionResult, error) {
	a.mu.Lock()
	a.local = p.Local
	a.mu.Unlock()
	return a.sessions.Provision(ctx, a.prov, p, provision.BindingRTC)
}

// Join negotiates a peer connection and returns once it is connected. The
// remote handle is published at that point.
func (a *Adapter) Join(ctx context.Context, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	if !pr.Valid(time.Now()) {
		return nil, transport.ErrNotProvisioned
	}
	header := http.Header{}
	if pr.Token != "" {
		header.Set("Authorization", "Bearer "+pr.Token)
	}
	ws, resp, err := a.cfg.Dialer.DialContext(ctx, pr.Endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("rtc: dial %s: %w", pr.Endpoint, err)
	}
	l := a.log.With().Str("session_id", pr.SessionID).Logger()
	c := newPeerConn(&signalConn{ws: ws, timeout: a.cfg.WriteTimeout}, a.cfg.SampleRate, l)
	if err := c.setup(a.api, pr.ICEServers); err != nil {
		c.close()
		return nil, fmt.Errorf("rtc: setup peer: %w", err)
	}

	a.mu.Lock()
	old := a.conn
	a.conn = c
	local := a.local
	a.mu.Unlock()
	if old != nil {
		old.close()
	}

	if err := a.negotiate(ctx, c, pr); err != nil {
		a.forget(c)
		c.close()
		return nil, err
	}
	c.startUplink(local)
	c.stream.Publish(c.handle)
	l.Info().Str("endpoint", pr.Endpoint).Msg("peer connected")
	return c.stream, nil
}

func (a *Adapter) negotiate(ctx context.Context, c *peerConn, pr transport.ProvisionResult) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local description: %w", err)
	}
	// the offer carries every local candidate; only the answer trickles
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.sig.send(signalMessage{Type: msgOffer, SDP: c.pc.LocalDescription().SDP}); err != nil {
		return fmt.Errorf("rtc: send offer: %w", err)
	}
	if !c.spawn(c.signalLoop) {
		return transport.ErrClosed
	}

	select {
	case <-c.connected:
		return nil
	case <-c.stream.Done():
		if err := c.stream.Err(); err != nil {
			return err
		}
		return errors.New("rtc: agent hung up during negotiation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) forget(c *peerConn) {
	a.mu.Lock()
	if a.conn == c {
		a.conn = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) SendControl(sig transport.Signal) {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c != nil {
		c.sendControl(sig)
	}
}

// Resume negotiates a fresh peer connection for the same session.
func (a *Adapter) Resume(ctx context.Context, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	return a.Join(ctx, pr)
}

// Teardown closes the peer and ends the backend session. Safe to repeat.
func (a *Adapter) Teardown(ctx context.Context) error {
	a.mu.Lock()
	c := a.conn
	a.conn, a.local = nil, nil
	a.mu.Unlock()
	if c != nil {
		c.close()
	}
	if id, err := a.sessions.End(ctx, a.prov); err != nil {
		return fmt.Errorf("rtc: end session %s: %w", id, err)
	}
	return nil
}
