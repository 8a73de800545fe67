package registry

// State is the lifecycle stage of a connection record.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// transitions lists the allowed forward moves. Disconnected is terminal.
var transitions = map[State][]State{
	StateNew:           {StateConnecting, StateDisconnected},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether a record may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether a record in this state still occupies its key.
func (s State) Live() bool {
	return s != StateDisconnected
}
