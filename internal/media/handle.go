package media

import (
	"sync"

	"github.com/google/uuid"
)

// Owner records which party acquired a Handle and is allowed to release it.
type Owner int

const (
	// OwnerSession marks handles acquired by the session (the local microphone).
	OwnerSession Owner = iota
	// OwnerTransport marks remote handles created by a transport binding.
	OwnerTransport
)

func (o Owner) String() string {
	switch o {
	case OwnerSession:
		return "session"
	case OwnerTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Handle is an owned, revocable acquisition of zero or more tracks.
// Only the owner calls Release; everyone else borrows it for reading.
type Handle struct {
	id     string
	owner  Owner
	tracks []Track

	mu       sync.Mutex
	released bool
	done     chan struct{}
}

// NewHandle groups tracks under a fresh id owned by owner.
func NewHandle(owner Owner, tracks ...Track) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		owner:  owner,
		tracks: tracks,
		done:   make(chan struct{}),
	}
}

func (h *Handle) ID() string      { return h.id }
func (h *Handle) Owner() Owner    { return h.owner }
func (h *Handle) Tracks() []Track { return append([]Track(nil), h.tracks...) }

// Audio returns the first audio track, or nil.
func (h *Handle) Audio() AudioTrack {
	for _, t := range h.tracks {
		if a, ok := t.(AudioTrack); ok {
			return a
		}
	}
	return nil
}

// Video returns the first video track, or nil.
func (h *Handle) Video() VideoTrack {
	for _, t := range h.tracks {
		if v, ok := t.(VideoTrack); ok {
			return v
		}
	}
	return nil
}

// Live reports whether the handle is unreleased and still has a running track.
func (h *Handle) Live() bool {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return false
	}
	if len(h.tracks) == 0 {
		return true
	}
	for _, t := range h.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Done is closed when the handle is released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Release stops every track and closes Done. Idempotent.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	for _, t := range h.tracks {
		t.Stop()
	}
	close(h.done)
}

// AllStopped reports whether every track has ended.
func (h *Handle) AllStopped() bool {
	for _, t := range h.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
