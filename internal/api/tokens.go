package api

import (
	"context"
	"net/http"
	"time"

	"github.com/chadiek/live-demo/internal/middleware"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/store"
)

// Tokens admits agent connections that present a live session token.
type Tokens struct {
	Store *store.Store
	Now   func() time.Time
}

// Admit checks token and marks its session active.
func (t Tokens) Admit(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	ss, err := t.Store.SessionByToken(ctx, token)
	if err != nil {
		return false
	}
	if ss.Status != provision.StatusReady && ss.Status != provision.StatusActive {
		return false
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	if ss.ExpiresAt != nil && now().After(*ss.ExpiresAt) {
		return false
	}
	return t.Store.MarkActive(ctx, ss.ID) == nil
}

// Request admits on the credential carried by the upgrade request.
func (t Tokens) Request(r *http.Request) bool {
	return t.Admit(r.Context(), middleware.TokenFromRequest(r))
}

// Signalling admits on the upgrade request or, when token is set, on the
// token sent in the first signalling message.
func (t Tokens) Signalling(r *http.Request, token string) bool {
	if token == "" {
		return t.Request(r)
	}
	return t.Admit(r.Context(), token)
}
