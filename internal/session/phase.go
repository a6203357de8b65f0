package session

// Phase is the lifecycle state of the connection session.
type Phase int

const (
	// Disconnected is the initial and terminal phase; no process exists
	Disconnected Phase = iota
	// Connecting means the proxy process was launched and is inside its grace period
	Connecting
	// Connected means the proxy process outlived the grace period
	Connected
	// Failed means the last attempt could not launch or the process exited on its own
	Failed
)

// String returns the Title Case name used in logs, events and the API.
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Active reports whether a process is (or is about to be) running.
func (p Phase) Active() bool {
	return p == Connecting || p == Connected
}

// validTransitions lists the allowed moves out of each phase.
var validTransitions = map[Phase][]Phase{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Disconnected, Failed},
	Failed:       {Connecting, Disconnected},
}

func canTransition(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
