package acp

// State is where a connection is in the protocol lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateSessionActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateSessionActive:
		return "session_active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
