package deletion

// State is a step of a deletion request.
type State int

// Deletion request states. Denied, Deleted and Failed are terminal.
const (
	StateRequested State = iota
	StateVetoChecking
	StateDenied
	StateCascadePending
	StateCascadeRunning
	StateDeleted
	StateFailed
)

var stateNames = [...]string{
	StateRequested:      "requested",
	StateVetoChecking:   "veto_checking",
	StateDenied:         "denied",
	StateCascadePending: "cascade_pending",
	StateCascadeRunning: "cascade_running",
	StateDeleted:        "deleted",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDenied || s == StateDeleted || s == StateFailed
}
