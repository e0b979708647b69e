package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-demo/internal/transport"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL+"/", "admin")
	c.PollInterval = 5 * time.Millisecond
	return c
}

func TestStart_PollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin", r.Header.Get("Authorization"))
		var req StartRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent-1", req.AgentID)
		assert.Equal(t, BindingSocket, req.Transport)
		_ = json.NewEncoder(w).Encode(Session{ID: "sess_abc", AgentID: req.AgentID, Status: StatusProvisioning})
	})
	mux.HandleFunc("GET /api/sessions/sess_abc/status", func(w http.ResponseWriter, r *http.Request) {
		st := StatusResponse{SessionID: "sess_abc", Status: StatusProvisioning}
		if polls.Add(1) >= 3 {
			st = StatusResponse{SessionID: "sess_abc", Status: StatusReady, Token: "tok", Endpoint: "ws://agent/socket"}
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pr, err := newTestClient(srv).Start(ctx, transport.SessionParams{AgentID: "agent-1"}, BindingSocket)
	require.NoError(t, err)
	assert.Equal(t, "sess_abc", pr.SessionID)
	assert.Equal(t, "tok", pr.Token)
	assert.Equal(t, "ws://agent/socket", pr.Endpoint)
	assert.True(t, pr.Valid(time.Now()))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestStart_ReadyImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/start", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Session{ID: "sess_x", Status: StatusReady, Endpoint: "ws://e", Token: "t"})
	}))
	defer srv.Close()

	pr, err := newTestClient(srv).Start(context.Background(), transport.SessionParams{AgentID: "a"}, BindingRTC)
	require.NoError(t, err)
	assert.Equal(t, "sess_x", pr.SessionID)
}

func TestStart_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		is      error
	}{
		{"unknown agent", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, ErrNotFound},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, nil},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }, nil},
		{"failed status", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				_ = json.NewEncoder(w).Encode(Session{ID: "s", Status: StatusProvisioning})
				return
			}
			_ = json.NewEncoder(w).Encode(StatusResponse{SessionID: "s", Status: StatusFailed})
		}, ErrFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := newTestClient(srv).Start(ctx, transport.SessionParams{AgentID: "a"}, BindingRTC)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestStart_ContextBoundsPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(Session{ID: "s", Status: StatusProvisioning})
			return
		}
		_ = json.NewEncoder(w).Encode(StatusResponse{SessionID: "s", Status: StatusProvisioning})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pr, err := newTestClient(srv).Start(ctx, transport.SessionParams{AgentID: "a"}, BindingRTC)
	require.Error(t, err)
	assert.Equal(t, "s", pr.SessionID, "a created session must stay endable")
	assert.Empty(t, pr.Token)
}

func TestEnd(t *testing.T) {
	var ended atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/sessions/sess_1/end" {
			ended.Store(true)
			_, _ = w.Write([]byte(`{"message":"Session ended successfully"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.End(context.Background(), "sess_1"))
	assert.True(t, ended.Load())
	assert.ErrorIs(t, c.End(context.Background(), "missing"), ErrNotFound)
}
