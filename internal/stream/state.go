package stream

// State is the externally observable session state machine:
// Idle -> Streaming -> one of the settled states.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateSucceeded
	StateFailed
	StateAborted
)

// Settled reports whether the session reached a terminal state.
func (s State) Settled() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}
