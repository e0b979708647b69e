package store

import (
	"context"
	"fmt"
	"time"
)

type Session struct {
	ID         string
	AgentID    string
	BuyerName  string
	BuyerEmail string
	Language   string
	Mode       string
	Transport  string
	Status     string
	Token      string
	Endpoint   string
	ICEServers string
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	ExpiresAt  *time.Time
}

const sessionColumns = `id, agent_id, buyer_name, buyer_email, language, mode, transport, status, token, endpoint, ice_servers, created_at, started_at, ended_at, expires_at`

func scanSession(row rowScanner) (Session, error) {
	var (
		ss                              Session
		created, started, ended, expiry timestamp
	)
	err := row.Scan(&ss.ID, &ss.AgentID, &ss.BuyerName, &ss.BuyerEmail, &ss.Language, &ss.Mode, &ss.Transport,
		&ss.Status, &ss.Token, &ss.Endpoint, &ss.ICEServers, &created, &started, &ended, &expiry)
	if err != nil {
		return Session{}, err
	}
	ss.CreatedAt = created.Time
	ss.StartedAt, ss.EndedAt, ss.ExpiresAt = started.ptr(), ended.ptr(), expiry.ptr()
	return ss, nil
}

// CreateSession stores ss; the caller picks id and initial status.
func (s *Store) CreateSession(ctx context.Context, ss Session) (Session, error) {
	ss.CreatedAt = now()
	_, err := s.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.AgentID, ss.BuyerName, ss.BuyerEmail, ss.Language, ss.Mode, ss.Transport, ss.Status,
		ss.Token, ss.Endpoint, ss.ICEServers, ss.CreatedAt, nullTime(ss.StartedAt), nullTime(ss.EndedAt), nullTime(ss.ExpiresAt))
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return ss, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id))
	if err != nil {
		return Session{}, notFound(err)
	}
	return ss, nil
}

// SessionByToken finds the session a connection token was issued for.
func (s *Store) SessionByToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNotFound
	}
	ss, err := scanSession(s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE token = ?`), token))
	if err != nil {
		return Session{}, notFound(err)
	}
	return ss, nil
}

// MarkReady records where and how to join a provisioned session.
func (s *Store) MarkReady(ctx context.Context, id, token, endpoint, iceServers string, expiresAt time.Time) error {
	return s.execOne(ctx, `UPDATE sessions SET status = 'ready', token = ?, endpoint = ?, ice_servers = ?, expires_at = ? WHERE id = ? AND status = 'provisioning'`,
		token, endpoint, iceServers, expiresAt.UTC(), id)
}

// MarkActive notes the first join; later joins keep the original start time.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE sessions SET status = 'active', started_at = COALESCE(started_at, ?) WHERE id = ? AND status IN ('ready', 'active')`,
		now(), id)
}

// Finish moves a session to a final status. Finishing twice keeps the first outcome.
func (s *Store) Finish(ctx context.Context, id, status string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		status, now(), id)
	return err
}
