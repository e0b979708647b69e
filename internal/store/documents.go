package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document types.
const (
	DocText = "text"
	DocURL  = "url"
	DocFile = "file"
)

type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	// Content is the text itself, the URL, or what was extracted from a file.
	Content     string    `json:"content,omitempty"`
	Size        string    `json:"size"`
	BlobKey     string    `json:"blobKey,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

const documentColumns = `id, title, type, content, size, blob_key, content_type, status, created_at`

func scanDocument(row rowScanner) (Document, error) {
	var (
		d       Document
		created timestamp
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Type, &d.Content, &d.Size, &d.BlobKey, &d.ContentType, &d.Status, &created); err != nil {
		return Document{}, err
	}
	d.CreatedAt = created.Time
	return d, nil
}

// HumanSize renders n bytes the way the admin console lists documents.
func HumanSize(n int) string {
	if n > 1024 {
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d B", n)
}

func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM knowledge_docs ORDER BY created_at DESC, id`)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM knowledge_docs WHERE id = ?`), id))
	if err != nil {
		return Document{}, notFound(err)
	}
	return d, nil
}

// CreateDocument assigns id, size and timestamp and stores d as ready.
func (s *Store) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Size == "" {
		d.Size = HumanSize(len(d.Content))
	}
	d.Status = "ready"
	d.CreatedAt = now()
	_, err := s.exec(ctx, `INSERT INTO knowledge_docs (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Type, d.Content, d.Size, d.BlobKey, d.ContentType, d.Status, d.CreatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("store: create document: %w", err)
	}
	return d, nil
}

// DeleteDocument detaches the document from every agent and removes it.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM agent_knowledge WHERE doc_id = ?`), id); err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM knowledge_docs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Attach links a document to an agent; linking twice is a no-op.
func (s *Store) Attach(ctx context.Context, agentID, docID string) error {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return err
	}
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO agent_knowledge (agent_id, doc_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		agentID, docID, now())
	if err != nil {
		return fmt.Errorf("store: attach: %w", err)
	}
	return nil
}

func (s *Store) Detach(ctx context.Context, agentID, docID string) error {
	return s.execOne(ctx, `DELETE FROM agent_knowledge WHERE agent_id = ? AND doc_id = ?`, agentID, docID)
}

// AgentDocuments lists the documents attached to an agent, newest link first.
func (s *Store) AgentDocuments(ctx context.Context, agentID string) ([]Document, error) {
	return s.queryDocuments(ctx, `SELECT kd.id, kd.title, kd.type, kd.content, kd.size, kd.blob_key, kd.content_type, kd.status, kd.created_at
		FROM knowledge_docs kd
		JOIN agent_knowledge ak ON kd.id = ak.doc_id
		WHERE ak.agent_id = ?
		ORDER BY ak.created_at DESC, kd.id`, agentID)
}
