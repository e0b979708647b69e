package surface

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/media"
)

// Surface is one render target. The manager owns exactly two.
type Surface interface {
	Name() string
	// Attach binds h and returns a channel closed when its first frame is ready.
	Attach(h *media.Handle) <-chan struct{}
	// Detach drops the handle reference. It must not stop tracks.
	Detach()
	SetVisible(v bool)
}

// View describes what the manager currently shows.
type View struct {
	Visible string // handle id on the visible surface
	Pending string // handle id waiting for its first frame
	Surface string // name of the visible surface
}

type pending struct {
	h      *media.Handle
	cancel chan struct{}
}

// Manager renders the remote handle with double buffering: a new handle is
// attached to the hidden surface and swapped in only after its first frame.
// At most one replacement is pending; a newer Assign supersedes it.
type Manager struct {
	mu        sync.Mutex
	front     Surface
	back      Surface
	visible   *media.Handle
	unwatch   chan struct{} // closed when visible changes
	pending   *pending
	gen       uint64
	listeners []func(View)
	ambient   AmbientConfig
	log       zerolog.Logger
}

// NewManager shows front first and stages replacements on back.
func NewManager(front, back Surface) *Manager {
	return &Manager{
		front:   front,
		back:    back,
		ambient: DefaultAmbientConfig(),
		log:     log.WithComponent("surface"),
	}
}

// Subscribe registers fn for every swap or clear.
func (m *Manager) Subscribe(fn func(View)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Assign stages h on the hidden surface.
func (m *Manager) Assign(h *media.Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.visible == h && m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	if m.pending != nil {
		close(m.pending.cancel)
		m.log.Debug().Str("superseded", m.pending.h.ID()).Str("by", h.ID()).Msg("pending surface replaced")
		m.back.Detach()
	}
	p := &pending{h: h, cancel: make(chan struct{})}
	m.pending = p
	ready := m.back.Attach(h)
	m.mu.Unlock()

	go m.await(gen, p, ready)
}

func (m *Manager) await(gen uint64, p *pending, ready <-chan struct{}) {
	select {
	case <-ready:
		m.promote(gen)
	case <-p.h.Done():
		m.abandon(gen)
	case <-p.cancel:
	}
}

func (m *Manager) promote(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.back.SetVisible(true)
	m.front.SetVisible(false)
	m.front.Detach()
	m.front, m.back = m.back, m.front
	m.setVisibleLocked(m.pending.h)
	m.pending = nil
	v, ls := m.viewLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.log.Debug().Str("handle", v.Visible).Str("surface", v.Surface).Msg("surface swapped")
	for _, fn := range ls {
		fn(v)
	}
}

// setVisibleLocked records h as on screen and watches for its release.
func (m *Manager) setVisibleLocked(h *media.Handle) {
	if m.unwatch != nil {
		close(m.unwatch)
		m.unwatch = nil
	}
	m.visible = h
	if h == nil {
		return
	}
	stop := make(chan struct{})
	m.unwatch = stop
	go func() {
		select {
		case <-h.Done():
			m.vanish(h)
		case <-stop:
		}
	}()
}

// vanish takes a released handle off screen. A pending swap is left alone.
func (m *Manager) vanish(h *media.Handle) {
	m.mu.Lock()
	if m.visible != h {
		m.mu.Unlock()
		return
	}
	m.front.SetVisible(false)
	m.front.Detach()
	m.unwatch = nil
	m.visible = nil
	v, ls := m.viewLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.log.Debug().Str("handle", h.ID()).Msg("visible handle released")
	for _, fn := range ls {
		fn(v)
	}
}

// abandon drops a pending handle that was released before its first frame.
func (m *Manager) abandon(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.back.Detach()
	m.pending = nil
	m.mu.Unlock()
}

// Clear detaches both surfaces and cancels any pending swap.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.gen++
	if m.pending != nil {
		close(m.pending.cancel)
		m.pending = nil
	}
	m.front.SetVisible(false)
	m.back.SetVisible(false)
	m.front.Detach()
	m.back.Detach()
	m.setVisibleLocked(nil)
	v, ls := m.viewLocked(), m.listenersLocked()
	m.mu.Unlock()
	for _, fn := range ls {
		fn(v)
	}
}

// Visible returns the handle on screen, or nil.
func (m *Manager) Visible() *media.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Pending returns the handle waiting for its first frame, or nil.
func (m *Manager) Pending() *media.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil
	}
	return m.pending.h
}

// View reports the current visible and pending handles.
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

func (m *Manager) viewLocked() View {
	var v View
	if m.visible != nil {
		v.Visible = m.visible.ID()
		v.Surface = m.front.Name()
	}
	if m.pending != nil {
		v.Pending = m.pending.h.ID()
	}
	return v
}

func (m *Manager) listenersLocked() []func(View) {
	return slices.Clone(m.listeners)
}
