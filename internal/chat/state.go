package chat

// State is a step in a connection's session lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successors of each state. Closed has none.
var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateJoined},
	StateAuthenticating: {StateJoined, StateClosed},
	StateJoined:         {StateRelaying, StateClosing},
	StateRelaying:       {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
