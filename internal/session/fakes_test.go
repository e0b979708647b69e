package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/transport"
)

type fakeGate struct {
	mu      sync.Mutex
	deny    bool
	block   chan struct{} // when set, ignore ctx and wait for it
	handles []*media.Handle
}

func (g *fakeGate) AcquireMicrophone(ctx context.Context) (*media.Handle, error) {
	g.mu.Lock()
	deny, block := g.deny, g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if deny {
		return nil, media.ErrPermissionDenied
	}
	h := media.NewHandle(media.OwnerSession, media.NewPCMTrack("mic", 16000, time.Second))
	g.mu.Lock()
	g.handles = append(g.handles, h)
	g.mu.Unlock()
	return h, nil
}

func (g *fakeGate) setDeny(v bool) {
	g.mu.Lock()
	g.deny = v
	g.mu.Unlock()
}

func (g *fakeGate) last() *media.Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.handles) == 0 {
		return nil
	}
	return g.handles[len(g.handles)-1]
}

type fakeAdapter struct {
	mu sync.Mutex

	provisionErr   error
	provisionHang  bool          // wait for ctx
	provisionBlock chan struct{} // ignore ctx, wait for close
	joinErr        error
	joinHang       bool
	joinBlock      chan struct{}
	resumeFailures int // fail this many times before succeeding
	remoteFactory  func() *media.Handle

	provisionCalls int
	joinCalls      int
	resumeCalls    int
	teardownCalls  int
	signals        []transport.Signal
	streams        []*transport.Stream
	remotes        []*media.Handle
}

var errFake = errors.New("fake transport failure")

func (a *fakeAdapter) Provision(ctx context.Context, p transport.SessionParams) (transport.ProvisionResult, error) {
	a.mu.Lock()
	a.provisionCalls++
	hang, block, err := a.provisionHang, a.provisionBlock, a.provisionErr
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	if hang {
		<-ctx.Done()
		return transport.ProvisionResult{}, ctx.Err()
	}
	if err != nil {
		return transport.ProvisionResult{}, err
	}
	return transport.ProvisionResult{SessionID: "sess_fake", Token: "tok", Endpoint: "ws://fake"}, nil
}

func (a *fakeAdapter) newStream() *transport.Stream {
	s := transport.NewStream()
	var h *media.Handle
	if a.remoteFactory != nil {
		h = a.remoteFactory()
	} else {
		h = media.NewHandle(media.OwnerTransport, media.NewFrameTrack("remote-video"), media.NewPCMTrack("remote-audio", 16000, time.Second))
	}
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.remotes = append(a.remotes, h)
	a.mu.Unlock()
	s.Publish(h)
	return s
}

func (a *fakeAdapter) Join(ctx context.Context, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	a.mu.Lock()
	a.joinCalls++
	hang, block, err := a.joinHang, a.joinBlock, a.joinErr
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return a.newStream(), nil
}

func (a *fakeAdapter) SendControl(sig transport.Signal) {
	a.mu.Lock()
	a.signals = append(a.signals, sig)
	a.mu.Unlock()
}

func (a *fakeAdapter) Resume(ctx context.Context, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	a.mu.Lock()
	a.resumeCalls++
	fail := a.resumeCalls <= a.resumeFailures
	a.mu.Unlock()
	if fail {
		return nil, errFake
	}
	return a.newStream(), nil
}

func (a *fakeAdapter) Teardown(ctx context.Context) error {
	a.mu.Lock()
	a.teardownCalls++
	streams := append([]*transport.Stream(nil), a.streams...)
	remotes := append([]*media.Handle(nil), a.remotes...)
	a.mu.Unlock()
	for _, s := range streams {
		s.Close(nil)
	}
	for _, h := range remotes {
		h.Release()
	}
	return nil
}

// drop closes the newest stream with an error, as a network loss would.
func (a *fakeAdapter) drop() {
	a.mu.Lock()
	s := a.streams[len(a.streams)-1]
	a.mu.Unlock()
	s.Close(transport.ErrClosed)
}

func (a *fakeAdapter) counts() (provision, join, resume, teardown int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provisionCalls, a.joinCalls, a.resumeCalls, a.teardownCalls
}

func (a *fakeAdapter) sentSignals() []transport.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Signal(nil), a.signals...)
}

func (a *fakeAdapter) remoteHandles() []*media.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*media.Handle(nil), a.remotes...)
}

type fakeSurface struct {
	mu       sync.Mutex
	assigned []*media.Handle
	clears   int
}

func (s *fakeSurface) Assign(h *media.Handle) {
	s.mu.Lock()
	s.assigned = append(s.assigned, h)
	s.mu.Unlock()
}

func (s *fakeSurface) Clear() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *fakeSurface) snapshot() ([]*media.Handle, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Handle(nil), s.assigned...), s.clears
}

type fakeMask struct {
	mu     sync.Mutex
	labels []string
}

func (f *fakeMask) Show(label string, _ time.Duration) {
	f.mu.Lock()
	f.labels = append(f.labels, label)
	f.mu.Unlock()
}

func (f *fakeMask) Clear() {}

func (f *fakeMask) shown() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.labels...)
}

// recorder collects every event in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventTransition {
			out = append(out, ev.Snapshot.State)
		}
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func loudRemote() *media.Handle {
	tr := media.NewPCMTrack("remote-audio", 16000, time.Second)
	tone := make([]int16, 16000)
	for i := range tone {
		tone[i] = int16(12000 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}
	tr.Write(tone)
	return media.NewHandle(media.OwnerTransport, tr)
}
