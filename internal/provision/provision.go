// Package provision talks to the backend sessions API: it starts a demo
// session, waits until the agent is ready and ends it.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/transport"
)

// Session statuses as reported by the backend.
const (
	StatusProvisioning = "provisioning"
	StatusReady        = "ready"
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Transport bindings a session can be provisioned for.
const (
	BindingRTC    = "rtc"
	BindingSocket = "socket"
)

var (
	ErrNotFound = errors.New("provision: session not found")
	ErrFailed   = errors.New("provision: session failed")
)

type StartRequest struct {
	AgentID    string `json:"agentId"`
	BuyerName  string `json:"buyerName,omitempty"`
	BuyerEmail string `json:"buyerEmail,omitempty"`
	Language   string `json:"language,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Transport  string `json:"transport,omitempty"`
}

type Session struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	BuyerName  string     `json:"buyerName,omitempty"`
	BuyerEmail string     `json:"buyerEmail,omitempty"`
	Language   string     `json:"language"`
	Mode       string     `json:"mode"`
	Transport  string     `json:"transport"`
	Status     string     `json:"status"`
	Token      string     `json:"token,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
	ICEServers string     `json:"iceServers,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type StatusResponse struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Token      string `json:"token,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	ICEServers string `json:"iceServers,omitempty"`
}

// Result converts a ready session into what a transport binding needs.
func (s Session) Result() transport.ProvisionResult {
	pr := transport.ProvisionResult{
		SessionID:  s.ID,
		Token:      s.Token,
		Endpoint:   s.Endpoint,
		ICEServers: s.ICEServers,
	}
	if s.ExpiresAt != nil {
		pr.ExpiresAt = *s.ExpiresAt
	}
	return pr
}

type Client struct {
	HTTPClient   *http.Client
	BaseURL      string
	Token        string
	PollInterval time.Duration

	log zerolog.Logger
}

// NewClient returns a Client for the session API at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		PollInterval: 250 * time.Millisecond,
		log:          log.WithComponent("provision"),
	}
}

// Start creates a session for binding and polls its status until the agent
// is ready. ctx bounds the whole wait. If the wait fails, the result still
// carries the session id.
func (c *Client) Start(ctx context.Context, p transport.SessionParams, binding string) (transport.ProvisionResult, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/start", StartRequest{
		AgentID:    p.AgentID,
		BuyerName:  p.BuyerName,
		BuyerEmail: p.BuyerEmail,
		Language:   p.Language,
		Mode:       p.Mode,
		Transport:  binding,
	}, &sess)
	if err != nil {
		return transport.ProvisionResult{}, err
	}
	c.log.Debug().Str("session_id", sess.ID).Str("status", sess.Status).Msg("session created")
	if sess.Status == StatusReady {
		return sess.Result(), nil
	}

	poll := func() (StatusResponse, error) {
		st, err := c.Status(ctx, sess.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return st, backoff.Permanent(err)
			}
			return st, err
		}
		switch st.Status {
		case StatusReady, StatusActive:
			return st, nil
		case StatusFailed, StatusCompleted:
			return st, backoff.Permanent(fmt.Errorf("%w: status %s", ErrFailed, st.Status))
		}
		return st, errors.New("provision: not ready")
	}
	st, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.PollInterval)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		// The session exists; hand back its id so the caller can end it.
		return transport.ProvisionResult{SessionID: sess.ID}, err
	}
	sess.Token, sess.Endpoint, sess.ICEServers = st.Token, st.Endpoint, st.ICEServers
	return sess.Result(), nil
}

// Status fetches the provisioning state of session id.
func (c *Client) Status(ctx context.Context, id string) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/status", nil, &st)
	return st, err
}

func (c *Client) Get(ctx context.Context, id string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

// End asks the backend to stop session id.
func (c *Client) End(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/end", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provision: %s %s: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provision: decode %s: %w", path, err)
	}
	return nil
}
