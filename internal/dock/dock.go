// Package dock is the call control bar: it renders session snapshots into a
// view and turns three user intents into session calls.
package dock

import (
	"errors"
	"slices"
	"sync"

	"github.com/chadiek/live-demo/internal/session"
)

var ErrDisabled = errors.New("dock: intent disabled in current state")

type Intent string

const (
	IntentToggleMute Intent = "toggle_mute"
	IntentInterrupt  Intent = "interrupt"
	IntentHangup     Intent = "hangup"
)

// Orb is the status indicator next to the marquee.
type Orb string

const (
	OrbIdle      Orb = "idle"
	OrbListening Orb = "listening"
	OrbThinking  Orb = "thinking"
	OrbSpeaking  Orb = "speaking"
)

const (
	MarqueeAgentSpeaking  = "> AGENT: SPEAKING..."
	MarqueeUserSpeaking   = "> USER: SPEAKING..."
	MarqueeAgentListening = "> AGENT: LISTENING..."
)

type View struct {
	State         session.State
	AgentSpeaking bool
	UserSpeaking  bool
	Muted         bool
	Error         session.ErrorCode
	ErrorMessage  string
	Marquee       string
	Orb           Orb
	Controls      bool // mute and interrupt usable
}

// Controller is the slice of session.Machine the dock drives.
type Controller interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Event)) (unsubscribe func())
	ToggleMute() bool
	Interrupt() bool
	End()
}

// Render derives the view for s. action, when set, replaces the activity
// marquee (the label of an in-flight mask, for instance).
func Render(s session.Snapshot, action string) View {
	v := View{
		State:         s.State,
		AgentSpeaking: s.AgentSpeaking,
		UserSpeaking:  s.UserSpeaking,
		Muted:         s.Muted,
		Error:         s.Error,
		ErrorMessage:  s.Error.Message(),
		Controls:      s.State.Active(),
	}
	switch {
	case !v.Controls:
		v.Orb = OrbIdle
	case s.AgentSpeaking:
		v.Orb = OrbSpeaking
	case s.UserSpeaking:
		v.Orb = OrbListening
	default:
		v.Orb = OrbThinking
	}
	switch {
	case s.Error != session.ErrNone:
		v.Marquee = v.ErrorMessage
	case action != "":
		v.Marquee = action
	case s.AgentSpeaking:
		v.Marquee = MarqueeAgentSpeaking
	case s.UserSpeaking:
		v.Marquee = MarqueeUserSpeaking
	default:
		v.Marquee = MarqueeAgentListening
	}
	return v
}

// Dock keeps the latest view and notifies listeners when it changes.
type Dock struct {
	ctl   Controller
	unsub func()

	mu        sync.Mutex
	snap      session.Snapshot
	action    string
	view      View
	listeners []func(View)
}

// New returns a dock driving ctl.
func New(ctl Controller) *Dock {
	d := &Dock{ctl: ctl}
	d.snap = ctl.Snapshot()
	d.view = Render(d.snap, "")
	d.unsub = ctl.Subscribe(func(ev session.Event) { d.update(ev.Snapshot, nil) })
	return d
}

// Close detaches the dock from the session.
func (d *Dock) Close() { d.unsub() }

// Subscribe registers fn for every view change.
func (d *Dock) Subscribe(fn func(View)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// View returns the current control state.
func (d *Dock) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// SetAction overrides the marquee until called again with "".
func (d *Dock) SetAction(label string) {
	d.mu.Lock()
	snap := d.snap
	d.mu.Unlock()
	d.update(snap, &label)
}

func (d *Dock) update(s session.Snapshot, action *string) {
	d.mu.Lock()
	if s.Seq < d.snap.Seq {
		s = d.snap
	}
	d.snap = s
	if action != nil {
		d.action = *action
	}
	v := Render(d.snap, d.action)
	changed := v != d.view
	d.view = v
	ls := slices.Clone(d.listeners)
	d.mu.Unlock()
	if changed {
		for _, fn := range ls {
			fn(v)
		}
	}
}

// Enabled reports whether i can be dispatched right now. Hangup always can.
func (d *Dock) Enabled(i Intent) bool {
	switch i {
	case IntentHangup:
		return true
	case IntentToggleMute, IntentInterrupt:
		return d.ctl.Snapshot().State.Active()
	}
	return false
}

// Dispatch forwards i to the session.
func (d *Dock) Dispatch(i Intent) error {
	switch i {
	case IntentHangup:
		d.ctl.End()
		return nil
	case IntentToggleMute:
		if !d.ctl.ToggleMute() {
			return ErrDisabled
		}
		return nil
	case IntentInterrupt:
		if !d.ctl.Interrupt() {
			return ErrDisabled
		}
		return nil
	}
	return errors.New("dock: unknown intent " + string(i))
}
