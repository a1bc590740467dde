package transport

// State is the connectivity state of one session, observable by the UI.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnauthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Alive reports whether the session is usable or will recover on its own.
func (s State) Alive() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// StateChange is delivered to state listeners on every transition.
type StateChange struct {
	Old State
	New State
	Err error
}
