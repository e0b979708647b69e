package session

import "errors"

// ErrInvalidTransition is returned when an operation is not allowed in the current state.
var ErrInvalidTransition = errors.New("session: invalid transition")

// State is the lifecycle stage of one demo session.
type State string

const (
	Idle         State = "IDLE"
	Permissions  State = "PERMISSIONS"
	Provisioning State = "PROVISIONING"
	Handshake    State = "HANDSHAKE"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Terminated   State = "TERMINATED"
)

// Transient states must always move on; they are bounded by timeouts.
func (s State) Transient() bool {
	switch s {
	case Permissions, Provisioning, Handshake, Reconnecting:
		return true
	}
	return false
}

// Active reports whether session controls (mute, interrupt) apply.
func (s State) Active() bool { return s == Live || s == Reconnecting }

var transitions = map[State][]State{
	Idle:         {Permissions, Terminated},
	Permissions:  {Idle, Provisioning, Terminated},
	Provisioning: {Handshake, Terminated},
	Handshake:    {Live, Terminated},
	Live:         {Reconnecting, Terminated},
	Reconnecting: {Live, Terminated},
	Terminated:   {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorCode is the single active failure, if any.
type ErrorCode string

const (
	ErrNone         ErrorCode = ""
	ErrMicDenied    ErrorCode = "MIC_DENIED"
	ErrICEFailure   ErrorCode = "ICE_FAILURE"
	ErrAgentTimeout ErrorCode = "AGENT_TIMEOUT"
	ErrSocketClosed ErrorCode = "SOCKET_CLOSED"
)

// Terminal codes end the attempt; MIC_DENIED leaves the machine retryable in Idle.
func (c ErrorCode) Terminal() bool {
	switch c {
	case ErrICEFailure, ErrAgentTimeout, ErrSocketClosed:
		return true
	}
	return false
}

// Message is the user-facing text for c. Views render errors only through it.
func (c ErrorCode) Message() string {
	switch c {
	case ErrMicDenied:
		return "Microphone access denied. Allow access and try again."
	case ErrICEFailure:
		return "Could not open a real-time link to the agent."
	case ErrAgentTimeout:
		return "The agent did not come online in time."
	case ErrSocketClosed:
		return "Connection to the agent was lost."
	}
	return ""
}
