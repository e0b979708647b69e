package transport

import (
	"sync"

	"github.com/chadiek/live-demo/internal/media"
)

// Stream is the RemoteStream used by bindings. Publish hands out transport-owned
// handles; Close ends the stream once.
type Stream struct {
	mu      sync.Mutex
	updates chan *media.Handle
	done    chan struct{}
	err     error
	closed  bool
	current *media.Handle
}

// NewStream returns an open stream with no handle yet.
func NewStream() *Stream {
	return &Stream{updates: make(chan *media.Handle, 4), done: make(chan struct{})}
}

func (s *Stream) Updates() <-chan *media.Handle { return s.updates }
func (s *Stream) Done() <-chan struct{}         { return s.done }

// Err is nil after an orderly close and the drop cause otherwise.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Publish delivers h to the consumer. When the buffer is full the oldest
// queued update is dropped; only the latest handle matters for rendering.
func (s *Stream) Publish(h *media.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.current = h
	for {
		select {
		case s.updates <- h:
			return true
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Current returns the most recently published handle.
func (s *Stream) Current() *media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close ends the stream. A nil err means an orderly end.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.updates)
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
