package session

// State is the session lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRegistered
	StateDead
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistered:
		return "registered"
	case StateDead:
		return "dead"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
