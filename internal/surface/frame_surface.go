package surface

import (
	"context"
	"sync"

	"github.com/chadiek/live-demo/internal/media"
)

// RenderFunc receives frames while a surface is visible.
type RenderFunc func(surface string, f media.Frame)

// FrameSurface follows the video track of an attached handle and keeps
// its latest frame. It renders only while visible. It never stops tracks.
type FrameSurface struct {
	name   string
	render RenderFunc

	mu      sync.Mutex
	h       *media.Handle
	visible bool
	latest  media.Frame
	have    bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFrameSurface returns a hidden surface; render may be nil.
func NewFrameSurface(name string, render RenderFunc) *FrameSurface {
	return &FrameSurface{name: name, render: render}
}

func (s *FrameSurface) Name() string { return s.name }

// Attach binds h, replacing any previous handle. The returned channel is
// closed once the first frame from h is available (immediately for
// handles without video).
func (s *FrameSurface) Attach(h *media.Handle) <-chan struct{} {
	s.Detach()
	ready := make(chan struct{})
	video := h.Video()
	if video == nil {
		s.mu.Lock()
		s.h = h
		s.mu.Unlock()
		close(ready)
		return ready
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.h = h
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.follow(ctx, video, ready, done)
	return ready
}

func (s *FrameSurface) follow(ctx context.Context, video media.VideoTrack, ready, done chan struct{}) {
	defer close(done)
	var seq uint64
	first := true
	for {
		f, err := video.Next(ctx, seq)
		if err != nil {
			return
		}
		seq = f.Seq

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.latest, s.have = f, true
		visible := s.visible
		s.mu.Unlock()

		if first {
			close(ready)
			first = false
		}
		if visible && s.render != nil {
			s.render(s.name, f)
		}
	}
}

// Detach drops the handle reference and stops following its frames.
func (s *FrameSurface) Detach() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.h = nil
	s.cancel, s.done = nil, nil
	s.latest, s.have = media.Frame{}, false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SetVisible shows or hides the surface; becoming visible repaints the latest frame.
func (s *FrameSurface) SetVisible(v bool) {
	s.mu.Lock()
	s.visible = v
	f, have := s.latest, s.have
	s.mu.Unlock()
	if v && have && s.render != nil {
		s.render(s.name, f)
	}
}

func (s *FrameSurface) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Handle returns the currently attached handle, or nil.
func (s *FrameSurface) Handle() *media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *FrameSurface) Latest() (media.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}
