package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/transport"
)

type Config struct {
	Dialer *websocket.Dialer
	// SampleRate of the agent's audio.
	SampleRate   int
	WriteTimeout time.Duration
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

// Adapter implements transport.Adapter over a raw WebSocket.
type Adapter struct {
	prov transport.Provisioner
	cfg  Config
	log  zerolog.Logger

	sessions transport.Tracker

	mu    sync.Mutex
	local *media.Handle
	conn  *conn
}

// New returns a WebSocket adapter that provisions through prov.
func New(prov transport.Provisioner, cfg Config) *Adapter {
	return &Adapter{prov: prov, cfg: cfg.withDefaults(), log: log.WithComponent("transport.socket")}
}

func (a *Adapter) Provision(ctx context.Context, p transport.SessionParams) (transport.ProvisionResult, error) {
	a.mu.Lock()
	a.local = p.Local
	a.mu.Unlock()
	return a.sessions.Provision(ctx, a.prov, p, provision.BindingSocket)
}

// Join dials the agent endpoint and publishes the remote handle at once;
// frames and audio flow into its tracks as they arrive.
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
		return nil, fmt.Errorf("socket: dial %s: %w", pr.Endpoint, err)
	}
	l := a.log.With().Str("session_id", pr.SessionID).Logger()
	c := newConn(ws, a.cfg, l)

	a.mu.Lock()
	old := a.conn
	a.conn = c
	local := a.local
	a.mu.Unlock()
	if old != nil {
		old.close()
	}
	c.start(local)
	l.Info().Str("endpoint", pr.Endpoint).Msg("socket joined")
	return c.stream, nil
}

func (a *Adapter) SendControl(sig transport.Signal) {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c != nil {
		c.control(sig)
	}
}

// Resume replaces the current socket with a fresh one for the same session.
func (a *Adapter) Resume(ctx context.Context, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	return a.Join(ctx, pr)
}

// Teardown closes the socket and ends the backend session. Safe to repeat.
func (a *Adapter) Teardown(ctx context.Context) error {
	a.mu.Lock()
	c := a.conn
	a.conn, a.local = nil, nil
	a.mu.Unlock()
	if c != nil {
		c.close()
	}
	if id, err := a.sessions.End(ctx, a.prov); err != nil {
		return fmt.Errorf("socket: end session %s: %w", id, err)
	}
	return nil
}
