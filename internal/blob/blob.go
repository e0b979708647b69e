// Package blob keeps uploaded knowledge documents in object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/supabase-community/supabase-go"
)

var ErrNotConfigured = errors.New("blob: storage not configured")

// Store holds document bytes by key.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Enabled reports whether Supabase credentials are present.
func (c Config) Enabled() bool { return c.URL != "" && c.ServiceRoleKey != "" }

// Supabase stores objects in a Supabase Storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

// NewSupabase returns a Store backed by the configured storage bucket.
func NewSupabase(cfg Config) (*Supabase, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: supabase client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "knowledge-docs"
	}
	return &Supabase{client: client, bucket: bucket}, nil
}

// Put uploads data. The storage client does not take a context; ctx is
// only checked before the call.
func (s *Supabase) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("blob: upload %s: %w", key, err)
	}
	return nil
}

func (s *Supabase) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Storage.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

// Memory keeps objects in process. The server falls back to it when no
// bucket is configured.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory returns an empty in-process Store.
func NewMemory() *Memory { return &Memory{objects: make(map[string][]byte)} }

func (m *Memory) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Get returns the object stored under key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}
