package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/metrics"
	"github.com/chadiek/live-demo/internal/transport"
)

// watchLocked starts consuming s as the current remote stream.
func (m *Machine) watchLocked(epoch uint64, s transport.RemoteStream) uint64 {
	m.streamGen++
	gen := m.streamGen
	go m.watch(m.sessCtx, epoch, gen, s)
	return gen
}

func (m *Machine) currentLocked(epoch, gen uint64) bool {
	return !m.staleLocked(epoch) && gen == m.streamGen
}

func (m *Machine) watch(ctx context.Context, epoch, gen uint64, s transport.RemoteStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-s.Updates():
			if !ok {
				select {
				case <-s.Done():
				case <-ctx.Done():
					return
				}
				m.streamEnded(epoch, gen, s.Err())
				return
			}
			m.attachRemote(epoch, gen, h)
		}
	}
}

// attachRemote makes h the rendered remote handle. Handles from a stale
// stream are released instead of attached.
func (m *Machine) attachRemote(epoch, gen uint64, h *media.Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if !m.currentLocked(epoch, gen) {
		m.mu.Unlock()
		h.Release()
		return
	}
	m.remote = h
	m.startAgentSamplerLocked(epoch, h)
	m.emitLocked(EventRemote)
	m.mu.Unlock()

	if m.deps.Surface != nil {
		m.deps.Surface.Assign(h)
	}
	m.flush()
}

// streamEnded reacts to the current stream closing: an error is a
// transport drop, an orderly close means the agent hung up.
func (m *Machine) streamEnded(epoch, gen uint64, err error) {
	m.mu.Lock()
	current := m.currentLocked(epoch, gen) && m.state == Live
	m.mu.Unlock()
	if !current {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("remote stream dropped")
		m.ReportTransportDrop()
		return
	}
	m.log.Info().Msg("remote ended the session")
	m.End()
}

// resume retries Adapter.Resume with the configured backoff.
func (m *Machine) resume(ctx context.Context, epoch uint64, pr transport.ProvisionResult) (transport.RemoteStream, error) {
	op := func() (transport.RemoteStream, error) {
		m.mu.Lock()
		if m.staleLocked(epoch) {
			m.mu.Unlock()
			return nil, backoff.Permanent(errSuperseded)
		}
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		actx, cancel := context.WithTimeout(ctx, m.cfg.ResumeTimeout)
		defer cancel()
		s, err := await(actx, func(c context.Context) (transport.RemoteStream, error) {
			return m.deps.Adapter.Resume(c, pr)
		}, m.discardStream)
		metrics.RecordResume(err == nil)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("resume attempt failed")
		}
		return s, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(m.cfg.ResumeBackoff()),
		backoff.WithMaxTries(m.cfg.ResumeAttempts),
	)
}

// discardStream releases every handle a superseded stream produces.
func (m *Machine) discardStream(s transport.RemoteStream) {
	if s == nil {
		return
	}
	go func() {
		timer := time.NewTimer(m.cfg.TeardownTimeout)
		defer timer.Stop()
		for {
			select {
			case h, ok := <-s.Updates():
				if !ok {
					return
				}
				releaseHandle(h)
			case <-timer.C:
				return
			}
		}
	}()
}
