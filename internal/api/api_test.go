package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-demo/internal/blob"
	"github.com/chadiek/live-demo/internal/enrich"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/store"
	"github.com/chadiek/live-demo/internal/transport"
)

type fakeEnricher struct {
	generateErr error
	trained     []store.Document
	extracted   string
}

func (f *fakeEnricher) Generate(_ context.Context, r enrich.GenerateRequest) (string, error) {
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return "polished " + r.Prompt, nil
}

func (f *fakeEnricher) Train(_ context.Context, a store.Agent, docs []store.Document) (enrich.TrainResult, error) {
	if len(docs) == 0 {
		return enrich.TrainResult{}, enrich.ErrNoKnowledge
	}
	f.trained = docs
	return enrich.TrainResult{Summary: "trained on pricing", SystemPrompt: "You are " + a.Name}, nil
}

func (f *fakeEnricher) Extract(_ context.Context, _, _ string, data []byte) (string, error) {
	if f.extracted != "" {
		return f.extracted, nil
	}
	return string(data), nil
}

type fixture struct {
	e     *echo.Echo
	h     *Handlers
	store *store.Store
	blobs *blob.Memory
	llm   *fakeEnricher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	f := &fixture{e: echo.New(), store: st, blobs: blob.NewMemory(), llm: &fakeEnricher{}}
	f.h = NewHandlers(Options{
		Store:  st,
		Enrich: f.llm,
		Blobs:  f.blobs,
		Endpoints: Endpoints{
			RTC:        "ws://agent.local/agent/rtc",
			Socket:     "ws://agent.local/agent/socket",
			ICEServers: `[{"urls":["stun:stun.example.com:3478"]}]`,
		},
	})
	f.h.Register(f.e)
	t.Cleanup(func() {
		f.h.Close()
		_ = st.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) agent(t *testing.T) store.Agent {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/agents", agentRequest{Name: "Ava", Role: "SDR", Type: "sales"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[store.Agent](t, rec)
}

func TestAgents_CRUD(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)
	assert.Equal(t, store.AgentActive, a.Status)

	rec := f.do(t, http.MethodPost, "/api/agents", agentRequest{Role: "SDR"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Agent](t, rec), 1)

	rec = f.do(t, http.MethodPut, "/api/agents/"+a.ID, agentRequest{Name: "Ava 2", Role: "AE", Type: "sales"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AE", decode[store.Agent](t, rec).Role)

	rec = f.do(t, http.MethodPut, "/api/agents/missing", agentRequest{Name: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/agents/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/agents/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKnowledgeAndTraining(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)

	rec := f.do(t, http.MethodPost, "/api/agents/"+a.ID+"/train", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "training without knowledge")

	rec = f.do(t, http.MethodPost, "/api/documents", documentRequest{Title: "Pricing", Content: "three tiers"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[store.Document](t, rec)
	assert.Equal(t, store.DocText, doc.Type)

	rec = f.do(t, http.MethodPost, "/api/documents", documentRequest{Title: "Deck", Type: store.DocFile})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/agents/"+a.ID+"/knowledge", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/agents/"+a.ID+"/knowledge", map[string]string{"docId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/agents/"+a.ID+"/knowledge", map[string]string{"docId": doc.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/agents/"+a.ID+"/knowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Document](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/agents/"+a.ID+"/train", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "trained on pricing", decode[map[string]any](t, rec)["summary"])
	require.Len(t, f.llm.trained, 1)

	got, err := f.store.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTrained, got.Status)
	assert.Equal(t, "You are Ava", got.SystemPrompt)

	rec = f.do(t, http.MethodDelete, "/api/agents/"+a.ID+"/knowledge", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/agents/"+a.ID+"/knowledge?docId="+doc.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/agents/"+a.ID+"/knowledge?docId="+doc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocuments_Upload(t *testing.T) {
	f := newFixture(t)
	f.llm.extracted = "slide text"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "Sales deck"))
	part, err := mw.CreateFormFile("file", "deck.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	doc := decode[store.Document](t, rec)
	assert.Equal(t, "Sales deck", doc.Title)
	assert.Equal(t, store.DocFile, doc.Type)
	assert.Equal(t, "slide text", doc.Content)
	assert.Equal(t, "13 B", doc.Size)
	require.True(t, strings.HasPrefix(doc.BlobKey, "docs/"+doc.ID+"/"))
	stored, ok := f.blobs.Get(doc.BlobKey)
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.4 fake", string(stored))

	rec = f.do(t, http.MethodGet, "/api/documents/"+doc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/documents/"+doc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = f.blobs.Get(doc.BlobKey)
	assert.False(t, ok)
	rec = f.do(t, http.MethodDelete, "/api/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/generate", enrich.GenerateRequest{Prompt: "sells CRM", Type: "sales", Role: "SDR"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "polished sells CRM", decode[map[string]string](t, rec)["optimizedPrompt"])

	rec = f.do(t, http.MethodPost, "/api/generate", enrich.GenerateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.llm.generateErr = enrich.ErrUpstream
	rec = f.do(t, http.MethodPost, "/api/generate", enrich.GenerateRequest{Prompt: "x"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func (f *fixture) waitStatus(t *testing.T, id, want string) provision.StatusResponse {
	t.Helper()
	var st provision.StatusResponse
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		st = decode[provision.StatusResponse](t, rec)
		return st.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func TestSessions_Lifecycle(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: a.ID, Transport: "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: a.ID, BuyerName: "Raj", Transport: provision.BindingSocket})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sess := decode[provision.Session](t, rec)
	assert.True(t, strings.HasPrefix(sess.ID, "sess_"))
	assert.Len(t, sess.ID, len("sess_")+12)
	assert.Equal(t, "en-IN", sess.Language)
	assert.Equal(t, "instant", sess.Mode)

	st := f.waitStatus(t, sess.ID, provision.StatusReady)
	assert.Equal(t, "ws://agent.local/agent/socket", st.Endpoint)
	assert.Empty(t, st.ICEServers)
	require.NotEmpty(t, st.Token)

	tokens := Tokens{Store: f.store}
	assert.False(t, tokens.Admit(context.Background(), "bogus"))
	assert.True(t, tokens.Admit(context.Background(), st.Token))
	assert.True(t, tokens.Admit(context.Background(), st.Token), "rejoin after resume")

	rec = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decode[provision.Session](t, rec)
	assert.Equal(t, provision.StatusActive, full.Status)
	assert.NotNil(t, full.StartedAt)

	expired := Tokens{Store: f.store, Now: func() time.Time { return time.Now().Add(2 * time.Hour) }}
	assert.False(t, expired.Admit(context.Background(), st.Token))

	rec = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, tokens.Admit(context.Background(), st.Token))
	rec = f.do(t, http.MethodPost, "/api/sessions/missing/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_RTCCarriesICEServers(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)
	rec := f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: a.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[provision.Session](t, rec)
	assert.Equal(t, provision.BindingRTC, sess.Transport)

	st := f.waitStatus(t, sess.ID, provision.StatusReady)
	assert.Equal(t, "ws://agent.local/agent/rtc", st.Endpoint)
	assert.Contains(t, st.ICEServers, "stun.example.com")
}

func TestSessions_NoEndpointFails(t *testing.T) {
	f := newFixture(t)
	f.h.endpoints.Socket = ""
	a := f.agent(t)
	rec := f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: a.ID, Transport: provision.BindingSocket})
	require.Equal(t, http.StatusOK, rec.Code)
	f.waitStatus(t, decode[provision.Session](t, rec).ID, provision.StatusFailed)
}

func TestTokens_Request(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)
	rec := f.do(t, http.MethodPost, "/api/sessions/start", provision.StartRequest{AgentID: a.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	st := f.waitStatus(t, decode[provision.Session](t, rec).ID, provision.StatusReady)

	tokens := Tokens{Store: f.store}
	r := httptest.NewRequest(http.MethodGet, "/agent/rtc", nil)
	assert.False(t, tokens.Signalling(r, ""))
	assert.True(t, tokens.Signalling(r, st.Token))
	r.Header.Set("Authorization", "Bearer "+st.Token)
	assert.True(t, tokens.Request(r))
}

func TestProvisionClientAgainstHandlers(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	c := provision.NewClient(srv.URL, "")
	c.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pr, err := c.Start(ctx, transport.SessionParams{AgentID: a.ID}, provision.BindingSocket)
	require.NoError(t, err)
	assert.Equal(t, "ws://agent.local/agent/socket", pr.Endpoint)
	assert.True(t, pr.Valid(time.Now()))
	require.NoError(t, c.End(ctx, pr.SessionID))
}
