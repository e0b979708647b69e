package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent statuses.
const (
	AgentActive  = "active"
	AgentTrained = "trained"
)

type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const agentColumns = `id, name, role, type, description, system_prompt, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var (
		a                Agent
		created, updated timestamp
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Type, &a.Description, &a.SystemPrompt, &a.Status, &created, &updated); err != nil {
		return Agent{}, err
	}
	a.CreatedAt, a.UpdatedAt = created.Time, updated.Time
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	agents := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgent returns ErrNotFound for an unknown id.
func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id))
	if err != nil {
		return Agent{}, notFound(err)
	}
	return a, nil
}

// CreateAgent assigns the id and timestamps and stores a.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = AgentActive
	}
	_, err := s.exec(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Role, a.Type, a.Description, a.SystemPrompt, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Agent{}, fmt.Errorf("store: create agent: %w", err)
	}
	return a, nil
}

// UpdateAgent rewrites the editable profile fields.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) (Agent, error) {
	err := s.execOne(ctx, `UPDATE agents SET name = ?, role = ?, type = ?, description = ?, updated_at = ? WHERE id = ?`,
		a.Name, a.Role, a.Type, a.Description, now(), a.ID)
	if err != nil {
		return Agent{}, err
	}
	return s.GetAgent(ctx, a.ID)
}

// MarkTrained stores the prompt built from the agent's knowledge.
func (s *Store) MarkTrained(ctx context.Context, id, systemPrompt string) error {
	return s.execOne(ctx, `UPDATE agents SET status = ?, system_prompt = ?, updated_at = ? WHERE id = ?`,
		AgentTrained, systemPrompt, now(), id)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM agent_knowledge WHERE agent_id = ?`,
		`DELETE FROM sessions WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
			return fmt.Errorf("store: delete agent: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
