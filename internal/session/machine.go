package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/metrics"
	"github.com/chadiek/live-demo/internal/transport"
	"github.com/chadiek/live-demo/internal/vad"
)

var errSuperseded = errors.New("session: superseded")

// EventKind tells listeners what changed.
type EventKind int

const (
	EventTransition EventKind = iota
	EventActivity
	EventRemote
	EventMute
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventActivity:
		return "activity"
	case EventRemote:
		return "remote"
	case EventMute:
		return "mute"
	}
	return "unknown"
}

// Snapshot is the read-only session context handed to consumers.
type Snapshot struct {
	Seq           uint64
	SessionID     string
	State         State
	Previous      State
	Error         ErrorCode
	ErrorMessage  string
	Local         *media.Handle
	Remote        *media.Handle
	AgentSpeaking bool
	UserSpeaking  bool
	AgentLevel    float64
	UserLevel     float64
	Muted         bool
	Provision     transport.ProvisionResult
	ResumeAttempt int
}

// Event is delivered to subscribers in transition order.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Machine is the single writer of session state. Every mutation goes
// through its methods; long awaits run outside the lock and are fenced by
// an epoch so that results of superseded work are discarded.
type Machine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu         sync.Mutex
	state      State
	prev       State
	sessionID  string
	errCode    ErrorCode
	local      *media.Handle
	remote     *media.Handle
	provision  transport.ProvisionResult
	muted      bool
	agentSpeak bool
	userSpeak  bool
	agentLevel float64
	userLevel  float64
	attempt    int
	seq        uint64
	stageStart time.Time

	epoch      uint64
	streamGen  uint64
	busy       bool
	ending     bool
	sessCtx    context.Context
	sessCancel context.CancelFunc

	userSampler  *vad.Sampler
	agentSampler *vad.Sampler
	samplerTok   uint64
	userTok      uint64
	agentTok     uint64
	userDet      *vad.Detector
	agentDet     *vad.Detector

	limiter *rate.Limiter

	listeners map[int]func(Event)
	nextID    int
	queue     []Event
	flushing  bool
}

// New builds an idle Machine. Gate and Adapter are required.
func New(cfg Config, deps Deps) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		log:       log.WithComponent("session"),
		now:       time.Now,
		state:     Idle,
		prev:      Idle,
		limiter:   rate.NewLimiter(cfg.ControlRate, cfg.ControlBurst),
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every event. Listeners run in order on the
// goroutine that produced the event; they may read the Machine but should
// not block.
func (m *Machine) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Snapshot returns a consistent copy of the observable session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:           m.seq,
		SessionID:     m.sessionID,
		State:         m.state,
		Previous:      m.prev,
		Error:         m.errCode,
		ErrorMessage:  m.errCode.Message(),
		Local:         m.local,
		Remote:        m.remote,
		AgentSpeaking: m.agentSpeak,
		UserSpeaking:  m.userSpeak,
		AgentLevel:    m.agentLevel,
		UserLevel:     m.userLevel,
		Muted:         m.muted,
		Provision:     m.provision,
		ResumeAttempt: m.attempt,
	}
}

func (m *Machine) emitLocked(kind EventKind) {
	m.seq++
	m.queue = append(m.queue, Event{Kind: kind, Snapshot: m.snapshotLocked()})
}

// flush delivers queued events. A nested or concurrent flush leaves the
// work to the goroutine already delivering, which keeps order intact.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.queue) > 0 {
		q := m.queue
		m.queue = nil
		ls := make([]func(Event), 0, len(m.listeners))
		for i := 0; i < m.nextID; i++ {
			if fn, ok := m.listeners[i]; ok {
				ls = append(ls, fn)
			}
		}
		m.mu.Unlock()
		for _, ev := range q {
			for _, fn := range ls {
				fn(ev)
			}
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

// transitionLocked moves to `to` and queues the event. Illegal edges are refused.
func (m *Machine) transitionLocked(to State, code ErrorCode) bool {
	from := m.state
	if !canTransition(from, to) {
		m.log.Error().Str("session_id", m.sessionID).Str("from", string(from)).Str("to", string(to)).Msg("illegal transition refused")
		return false
	}
	now := m.now()
	if from.Transient() && !m.stageStart.IsZero() {
		metrics.ObserveStage(string(from), now.Sub(m.stageStart))
	}
	m.stageStart = now
	m.prev, m.state, m.errCode = from, to, code
	metrics.RecordTransition(string(from), string(to))
	metrics.RecordError(string(code))

	ev := m.log.Info()
	if code != ErrNone {
		ev = m.log.Warn()
	}
	ev.Str("session_id", m.sessionID).Str("from", string(from)).Str("to", string(to)).Str("error_code", string(code)).Msg("session transition")
	m.emitLocked(EventTransition)
	return true
}

// stale reports whether work started under epoch has been superseded.
func (m *Machine) staleLocked(epoch uint64) bool { return epoch != m.epoch || m.ending }

// await runs fn and returns when it finishes or ctx ends, whichever is first.
// A result that arrives after ctx ended is handed to discard.
func await[T any](ctx context.Context, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

func releaseHandle(h *media.Handle) {
	if h != nil {
		h.Release()
	}
}

// Start runs Idle → Permissions → Provisioning → Handshake → Live. Failures
// become an ErrorCode and a transition, never an error. It returns
// ErrInvalidTransition outside Idle, and ctx.Err() when the caller abandons
// the flow, in which case the session is ended as if hung up.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle || m.busy || m.ending {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.resetContextLocked()
	m.sessionID = "sess_" + uuid.NewString()[:12]
	m.sessCtx, m.sessCancel = context.WithCancel(context.Background())
	m.busy = true
	epoch := m.epoch
	sessCtx := m.sessCtx
	m.transitionLocked(Permissions, ErrNone)
	m.mu.Unlock()
	m.flush()

	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()
	stopAfter := context.AfterFunc(sessCtx, cancelOp)
	defer stopAfter()

	// Permissions
	pctx, cancel := context.WithTimeout(opCtx, m.cfg.PermissionTimeout)
	local, err := await(pctx, m.deps.Gate.AcquireMicrophone, releaseHandle)
	cancel()
	if m.abandoned(ctx, epoch, local) {
		return ctx.Err()
	}
	m.mu.Lock()
	if m.staleLocked(epoch) {
		m.mu.Unlock()
		releaseHandle(local)
		return nil
	}
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", m.sessionID).Msg("microphone not granted")
		m.busy = false
		m.sessCancel()
		m.transitionLocked(Idle, ErrMicDenied)
		m.mu.Unlock()
		m.flush()
		return nil
	}
	m.local = local
	m.startUserSamplerLocked(epoch)
	m.transitionLocked(Provisioning, ErrNone)
	params := m.cfg.Params
	params.Local = local
	m.mu.Unlock()
	m.flush()
	m.showMask(LabelBooting, m.cfg.ProvisionTimeout)

	// Provisioning
	prctx, cancel := context.WithTimeout(opCtx, m.cfg.ProvisionTimeout)
	pr, err := await(prctx, func(c context.Context) (transport.ProvisionResult, error) {
		return m.deps.Adapter.Provision(c, params)
	}, nil)
	cancel()
	if m.abandoned(ctx, epoch, nil) {
		return ctx.Err()
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("provisioning failed")
		m.fail(epoch, ErrAgentTimeout)
		return nil
	}
	m.mu.Lock()
	if m.staleLocked(epoch) {
		m.mu.Unlock()
		return nil
	}
	m.provision = pr
	m.transitionLocked(Handshake, ErrNone)
	m.mu.Unlock()
	m.flush()
	m.showMask(LabelUplink, m.cfg.HandshakeTimeout)

	// Handshake
	hctx, cancel := context.WithTimeout(opCtx, m.cfg.HandshakeTimeout)
	stream, err := await(hctx, func(c context.Context) (transport.RemoteStream, error) {
		return m.deps.Adapter.Join(c, pr)
	}, m.discardStream)
	cancel()
	if ctx.Err() != nil {
		m.discardStream(stream)
		m.abandoned(ctx, epoch, nil)
		return ctx.Err()
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("handshake failed")
		m.fail(epoch, ErrICEFailure)
		return nil
	}
	m.mu.Lock()
	if m.staleLocked(epoch) {
		m.mu.Unlock()
		m.discardStream(stream)
		return nil
	}
	m.busy = false
	m.transitionLocked(Live, ErrNone)
	gen := m.watchLocked(epoch, stream)
	m.mu.Unlock()
	m.flush()
	m.clearMask()
	m.log.Debug().Uint64("stream_gen", gen).Msg("remote stream attached")
	return nil
}

// abandoned ends the session when the caller's ctx was cancelled while the
// session itself is still current. Any handle produced is released.
func (m *Machine) abandoned(ctx context.Context, epoch uint64, h *media.Handle) bool {
	if ctx.Err() == nil {
		return false
	}
	releaseHandle(h)
	m.mu.Lock()
	current := !m.staleLocked(epoch)
	m.mu.Unlock()
	if current {
		m.log.Info().Msg("start abandoned by caller")
		m.End()
	}
	return true
}

// ReportTransportDrop moves Live → Reconnecting and retries Resume with
// backoff. It blocks until the session is Live again or Terminated and
// returns false when the call was ignored (not Live).
func (m *Machine) ReportTransportDrop() bool {
	m.mu.Lock()
	if m.state != Live || m.busy || m.ending {
		m.mu.Unlock()
		return false
	}
	m.busy = true
	m.streamGen++ // the dropped stream's watcher is now stale
	m.attempt = 0
	epoch := m.epoch
	sessCtx := m.sessCtx
	pr := m.provision
	m.transitionLocked(Reconnecting, ErrNone)
	m.mu.Unlock()
	m.flush()
	m.showMask(LabelRestoring, m.cfg.ResumeTimeout)

	stream, err := m.resume(sessCtx, epoch, pr)

	m.mu.Lock()
	if m.staleLocked(epoch) {
		m.mu.Unlock()
		if stream != nil {
			m.discardStream(stream)
		}
		return true
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Int("attempts", m.Snapshot().ResumeAttempt).Msg("resume exhausted")
		m.fail(epoch, ErrSocketClosed)
		return true
	}
	m.busy = false
	m.transitionLocked(Live, ErrNone)
	m.watchLocked(epoch, stream)
	m.mu.Unlock()
	m.flush()
	m.clearMask()
	return true
}

// End tears the session down from any state but Terminated. Idempotent.
func (m *Machine) End() {
	m.terminate(0, ErrNone, false)
}

// fail terminates the session started under epoch with code.
func (m *Machine) fail(epoch uint64, code ErrorCode) {
	m.terminate(epoch, code, true)
}

// terminate releases the local handle, tears the adapter down, releases the
// remote handle and only then reaches Terminated.
func (m *Machine) terminate(epoch uint64, code ErrorCode, fenced bool) {
	m.mu.Lock()
	if m.state == Terminated || m.ending || (fenced && m.staleLocked(epoch)) {
		m.mu.Unlock()
		return
	}
	m.ending = true
	m.epoch++
	if m.sessCancel != nil {
		m.sessCancel()
	}
	m.stopSamplersLocked()
	local := m.local
	m.local = nil
	from := m.state
	m.mu.Unlock()

	releaseHandle(local)
	if from != Idle {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
		if _, err := await(ctx, func(c context.Context) (struct{}, error) {
			return struct{}{}, m.deps.Adapter.Teardown(c)
		}, nil); err != nil {
			m.log.Warn().Err(err).Msg("transport teardown")
		}
		cancel()
	}
	if m.deps.Surface != nil {
		m.deps.Surface.Clear()
	}
	m.clearMask()

	m.mu.Lock()
	remote := m.remote
	m.remote = nil
	m.agentSpeak, m.userSpeak = false, false
	m.agentLevel, m.userLevel = 0, 0
	m.mu.Unlock()
	releaseHandle(remote)

	m.mu.Lock()
	m.busy = false
	m.transitionLocked(Terminated, code)
	m.ending = false
	m.mu.Unlock()
	m.flush()
}

// Reset clears the session context and returns to Idle. Only valid from Terminated.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.state != Terminated || m.ending {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.resetContextLocked()
	m.transitionLocked(Idle, ErrNone)
	m.mu.Unlock()
	m.flush()
	return nil
}

func (m *Machine) resetContextLocked() {
	m.sessionID = ""
	m.errCode = ErrNone
	m.local, m.remote = nil, nil
	m.provision = transport.ProvisionResult{}
	m.muted = false
	m.agentSpeak, m.userSpeak = false, false
	m.agentLevel, m.userLevel = 0, 0
	m.attempt = 0
	m.userDet, m.agentDet = nil, nil
}

func (m *Machine) showMask(label string, d time.Duration) {
	if m.deps.Mask != nil {
		m.deps.Mask.Show(label, d)
	}
}

func (m *Machine) clearMask() {
	if m.deps.Mask != nil {
		m.deps.Mask.Clear()
	}
}
