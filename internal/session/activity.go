package session

import (
	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/metrics"
	"github.com/chadiek/live-demo/internal/transport"
	"github.com/chadiek/live-demo/internal/vad"
)

func (m *Machine) startUserSamplerLocked(epoch uint64) {
	if m.userSampler != nil {
		m.userSampler.Stop()
	}
	m.samplerTok++
	tok := m.samplerTok
	m.userTok = tok
	m.userDet = vad.NewDetector(m.cfg.Detector)
	m.userSampler = vad.Start(m.local, m.cfg.Sampler, func(level float64) {
		m.onLevel(epoch, tok, true, level)
	})
}

func (m *Machine) startAgentSamplerLocked(epoch uint64, h *media.Handle) {
	if m.agentSampler != nil {
		m.agentSampler.Stop()
	}
	m.samplerTok++
	tok := m.samplerTok
	m.agentTok = tok
	m.agentDet = vad.NewDetector(m.cfg.Detector)
	if m.agentSpeak {
		m.agentSpeak = false
		m.emitLocked(EventActivity)
	}
	m.agentSampler = vad.Start(h, m.cfg.Sampler, func(level float64) {
		m.onLevel(epoch, tok, false, level)
	})
}

func (m *Machine) stopSamplersLocked() {
	if m.userSampler != nil {
		m.userSampler.Stop()
		m.userSampler = nil
	}
	if m.agentSampler != nil {
		m.agentSampler.Stop()
		m.agentSampler = nil
	}
	m.userTok, m.agentTok = 0, 0
}

// onLevel folds one sampler reading into the speaking flags. Readings from
// a stopped sampler or an ended session are dropped.
func (m *Machine) onLevel(epoch, tok uint64, user bool, level float64) {
	m.mu.Lock()
	if m.staleLocked(epoch) {
		m.mu.Unlock()
		return
	}
	var det *vad.Detector
	var flag *bool
	if user {
		if tok != m.userTok {
			m.mu.Unlock()
			return
		}
		m.userLevel, det, flag = level, m.userDet, &m.userSpeak
	} else {
		if tok != m.agentTok {
			m.mu.Unlock()
			return
		}
		m.agentLevel, det, flag = level, m.agentDet, &m.agentSpeak
	}
	speaking, changed := det.Push(level)
	if changed {
		*flag = speaking
		m.emitLocked(EventActivity)
	}
	m.mu.Unlock()
	if changed {
		m.flush()
	}
}

// ToggleMute flips the local microphone and tells the agent. Only valid
// while Live or Reconnecting.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	if !m.state.Active() || m.ending || m.local == nil {
		m.mu.Unlock()
		return false
	}
	m.muted = !m.muted
	if a := m.local.Audio(); a != nil {
		a.SetEnabled(!m.muted)
	}
	sig := transport.SignalUnmute
	if m.muted {
		sig = transport.SignalMute
	}
	m.emitLocked(EventMute)
	m.mu.Unlock()
	m.flush()
	m.sendControl(sig)
	return true
}

// Interrupt forwards a barge-in to the agent and masks the gap until it takes effect.
func (m *Machine) Interrupt() bool {
	m.mu.Lock()
	ok := m.state.Active() && !m.ending
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.showMask(LabelInterrupting, m.cfg.MaskDuration)
	m.sendControl(transport.SignalInterrupt)
	return true
}

func (m *Machine) sendControl(sig transport.Signal) {
	if !m.limiter.Allow() {
		metrics.RecordControl(string(sig), false)
		m.log.Debug().Str("signal", string(sig)).Msg("control signal throttled")
		return
	}
	m.deps.Adapter.SendControl(sig)
	metrics.RecordControl(string(sig), true)
}
