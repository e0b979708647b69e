package transport

import (
	"context"
	"sync"
)

// Tracker remembers the backend session a binding provisioned so Teardown
// can end it, including one whose provisioning failed after creation.
type Tracker struct {
	mu       sync.Mutex
	id       string
	inflight chan struct{}
}

// Provision runs prov.Start and records the session id it reports, even
// alongside an error.
func (t *Tracker) Provision(ctx context.Context, prov Provisioner, p SessionParams, binding string) (ProvisionResult, error) {
	done := make(chan struct{})
	t.mu.Lock()
	t.inflight = done
	t.mu.Unlock()
	defer close(done)

	pr, err := prov.Start(ctx, p, binding)
	if pr.SessionID != "" {
		t.mu.Lock()
		t.id = pr.SessionID
		t.mu.Unlock()
	}
	if err != nil {
		return ProvisionResult{}, err
	}
	return pr, nil
}

// End waits for an in-flight Provision to settle, then ends and forgets the
// recorded session. It returns the id it ended, if any.
func (t *Tracker) End(ctx context.Context, prov Provisioner) (string, error) {
	t.mu.Lock()
	inflight := t.inflight
	t.mu.Unlock()
	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
		}
	}

	t.mu.Lock()
	id := t.id
	t.id, t.inflight = "", nil
	t.mu.Unlock()
	if id == "" || prov == nil {
		return "", nil
	}
	return id, prov.End(ctx, id)
}
