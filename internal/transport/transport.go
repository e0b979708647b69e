// Package transport defines the boundary between the session machine and a
// real-time agent connection. Bindings live in sub-packages.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/chadiek/live-demo/internal/media"
)

var (
	// ErrClosed is reported when the remote side hangs up or the link drops.
	ErrClosed = errors.New("transport: closed")
	// ErrNotProvisioned is returned by Join/Resume without a usable ProvisionResult.
	ErrNotProvisioned = errors.New("transport: not provisioned")
)

// Signal is a best-effort control message to the remote agent.
type Signal string

const (
	SignalMute      Signal = "mute"
	SignalUnmute    Signal = "unmute"
	SignalInterrupt Signal = "interrupt"
)

// SessionParams describes the agent session to provision.
type SessionParams struct {
	AgentID    string
	BuyerName  string
	BuyerEmail string
	Language   string
	Mode       string
	// Local is borrowed for publishing; the binding must not release it.
	Local *media.Handle
}

// ProvisionResult carries what Join and Resume need.
type ProvisionResult struct {
	SessionID  string
	Token      string
	Endpoint   string
	ICEServers string // JSON array, empty for the default STUN server
	ExpiresAt  time.Time
}

// Valid reports whether the result can still be used to (re)join.
func (p ProvisionResult) Valid(now time.Time) bool {
	if p.SessionID == "" || p.Endpoint == "" {
		return false
	}
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

// RemoteStream yields remote handle updates for one joined channel.
// Updates is closed after Done; Err is valid once Done is closed.
type RemoteStream interface {
	Updates() <-chan *media.Handle
	Done() <-chan struct{}
	Err() error
}

// Adapter is implemented by each binding. The session machine uses nothing else.
type Adapter interface {
	Provision(ctx context.Context, params SessionParams) (ProvisionResult, error)
	Join(ctx context.Context, pr ProvisionResult) (RemoteStream, error)
	SendControl(sig Signal)
	Resume(ctx context.Context, pr ProvisionResult) (RemoteStream, error)
	// Teardown releases server-side resources and every remote handle. Idempotent.
	Teardown(ctx context.Context) error
}

// Provisioner creates and ends backend sessions on behalf of a binding.
// When Start fails after the backend session was created, the returned
// result still carries its SessionID so the session can be ended.
type Provisioner interface {
	Start(ctx context.Context, params SessionParams, binding string) (ProvisionResult, error)
	End(ctx context.Context, sessionID string) error
}
