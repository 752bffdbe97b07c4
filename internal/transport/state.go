package transport

// State identifies a phase of the connection lifecycle. Closed is terminal.
type State int32

const (
	// StateConnecting means a transport handshake is in progress.
	StateConnecting State = iota
	// StateAuthenticating means the session credential is being negotiated.
	StateAuthenticating
	// StateOpen means the connection is live and frames flow.
	StateOpen
	// StateDegraded means a transport fault was detected and the connection
	// is being torn down.
	StateDegraded
	// StateReconnecting means the manager is waiting to dial again.
	StateReconnecting
	// StateClosed means the session was shut down; no further transitions.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
