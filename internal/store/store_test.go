package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{DSN: filepath.Join(t.TempDir(), "live-demo.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesOnceAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live-demo.db")
	s, err := Open(context.Background(), Config{DSN: path})
	require.NoError(t, err)
	_, err = s.CreateAgent(context.Background(), Agent{Name: "Ava", Role: "SDR", Type: "sales"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), Config{DSN: path})
	require.NoError(t, err)
	defer s.Close()
	agents, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	sqlite := &Store{}
	pg := &Store{postgres: true}
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`
	assert.Equal(t, q, sqlite.q(q))
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, pg.q(q))
}

func TestAgents_CRUD(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a, err := s.CreateAgent(ctx, Agent{Name: "Ava", Role: "SDR", Type: "sales", Description: "books demos"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, AgentActive, a.Status)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "books demos", got.Description)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Millisecond)

	got.Name = "Ava 2"
	updated, err := s.UpdateAgent(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "Ava 2", updated.Name)

	require.NoError(t, s.MarkTrained(ctx, a.ID, "You are Ava."))
	got, err = s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentTrained, got.Status)
	assert.Equal(t, "You are Ava.", got.SystemPrompt)

	require.NoError(t, s.DeleteAgent(ctx, a.ID))
	_, err = s.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteAgent(ctx, a.ID), ErrNotFound)
	_, err = s.UpdateAgent(ctx, Agent{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKnowledge_AttachDetach(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a, err := s.CreateAgent(ctx, Agent{Name: "Ava", Role: "SDR", Type: "sales"})
	require.NoError(t, err)
	d1, err := s.CreateDocument(ctx, Document{Title: "Pricing", Type: DocText, Content: "three tiers"})
	require.NoError(t, err)
	assert.Equal(t, "11 B", d1.Size)
	d2, err := s.CreateDocument(ctx, Document{Title: "Site", Type: DocURL, Content: "https://example.com"})
	require.NoError(t, err)

	require.NoError(t, s.Attach(ctx, a.ID, d1.ID))
	require.NoError(t, s.Attach(ctx, a.ID, d1.ID))
	require.NoError(t, s.Attach(ctx, a.ID, d2.ID))
	assert.ErrorIs(t, s.Attach(ctx, a.ID, "missing"), ErrNotFound)
	assert.ErrorIs(t, s.Attach(ctx, "missing", d1.ID), ErrNotFound)

	docs, err := s.AgentDocuments(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, s.Detach(ctx, a.ID, d2.ID))
	assert.ErrorIs(t, s.Detach(ctx, a.ID, d2.ID), ErrNotFound)

	require.NoError(t, s.DeleteDocument(ctx, d1.ID))
	docs, err = s.AgentDocuments(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)

	all, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, d2.ID, all[0].ID)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "0 B", HumanSize(0))
	assert.Equal(t, "1024 B", HumanSize(1024))
	assert.Equal(t, "2.0 KB", HumanSize(2048))
}

func TestSessions_Lifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	a, err := s.CreateAgent(ctx, Agent{Name: "Ava", Role: "SDR", Type: "sales"})
	require.NoError(t, err)

	ss, err := s.CreateSession(ctx, Session{ID: "sess_1", AgentID: a.ID, Language: "en-IN", Mode: "instant", Transport: "socket", Status: "provisioning"})
	require.NoError(t, err)
	assert.Nil(t, ss.StartedAt)

	_, err = s.SessionByToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.MarkReady(ctx, "sess_1", "tok", "ws://agent/socket", "[]", expires))
	assert.ErrorIs(t, s.MarkReady(ctx, "sess_1", "tok2", "x", "", expires), ErrNotFound, "only provisioning sessions become ready")

	byToken, err := s.SessionByToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "ready", byToken.Status)
	assert.Equal(t, "ws://agent/socket", byToken.Endpoint)
	require.NotNil(t, byToken.ExpiresAt)
	assert.WithinDuration(t, expires, *byToken.ExpiresAt, time.Second)

	require.NoError(t, s.MarkActive(ctx, "sess_1"))
	first, err := s.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)
	require.NoError(t, s.MarkActive(ctx, "sess_1"))
	again, err := s.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt, again.StartedAt)

	require.NoError(t, s.Finish(ctx, "sess_1", "completed"))
	require.NoError(t, s.Finish(ctx, "sess_1", "failed"))
	done, err := s.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)
	assert.NotNil(t, done.EndedAt)
	assert.ErrorIs(t, s.MarkActive(ctx, "sess_1"), ErrNotFound)

	assert.ErrorIs(t, s.Finish(ctx, "missing", "completed"), ErrNotFound)
	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
