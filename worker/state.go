package worker

// State is the dispatcher's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateAwaitingHandshake
	StateVerified
	StateServing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateVerified:
		return "verified"
	case StateServing:
		return "serving"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
