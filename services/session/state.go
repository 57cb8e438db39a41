package session

// State is the controller's lifecycle position.
type State uint8

const (
	Idle State = iota
	Connecting
	Connected
	Polling
	Disconnecting
	Stopped
	Failed // terminal; connect did not succeed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	case Disconnecting:
		return "disconnecting"
	case Stopped:
		return "stopped"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Stopped || s == Failed }
