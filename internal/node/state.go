package node

// State is the lifecycle state of a running node.
type State int32

const (
	// StateStarting covers opening storage and restoring components.
	StateStarting State = iota
	// StateRunning means the REST listener is accepting requests.
	StateRunning
	// StateDraining means shutdown began and in-flight requests are finishing.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

// Serving returns true while the node accepts new requests.
func (s State) Serving() bool {
	return s == StateRunning
}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
