package models

import "fmt"

// State is the lifecycle state of a ProcessInstance.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateExited     State = "exited"     // exit code 0
	StateCrashed    State = "crashed"    // non-zero exit or signal
	StateRestarting State = "restarting" // waiting out the backoff delay
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateRunning: true,
		StateFailed:  true,
		StateStopped: true,
	},
	StateRunning: {
		StateExited:  true,
		StateCrashed: true,
		StateStopped: true,
	},
	StateExited: {
		StateRestarting: true,
		StateStopped:    true,
		StateFailed:     true, // restart budget exhausted
	},
	StateCrashed: {
		StateRestarting: true,
		StateStopped:    true,
		StateFailed:     true,
	},
	StateRestarting: {
		StateStarting: true,
		StateFailed:   true,
		StateStopped:  true,
	},
	// Terminal for automatic transitions; only an operator start leaves them.
	StateStopped: {
		StateStarting: true,
	},
	StateFailed: {
		StateStarting: true,
		StateStopped:  true,
	},
}

// ValidateTransition checks that moving from one state to another is allowed.
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsActive returns true while a process exists or is about to be launched.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}
