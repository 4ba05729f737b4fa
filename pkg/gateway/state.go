package gateway

// State is the lifecycle state of a registered delegation module.
//
// The flow for a healthy module is:
//
//	Registered → Initializing → Ready → ShuttingDown → Stopped
//
// Initializing, Ready and ShuttingDown may fall to Failed. Stopped and
// Failed are terminal; a module is never re-initialized in place.
type State string

const (
	// StateRegistered is the state between insertion into the registry and
	// the start of Initialize.
	StateRegistered State = "registered"

	// StateInitializing is held while the module's Initialize runs.
	StateInitializing State = "initializing"

	// StateReady is the only state in which the module receives calls.
	StateReady State = "ready"

	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"

	// StateFailed is entered when Initialize or Shutdown fails or panics.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }

// Valid reports whether s is a known state. The zero value is not.
func (s State) Valid() bool {
	switch s {
	case StateRegistered, StateInitializing, StateReady,
		StateShuttingDown, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the module state machine:
//
//	Registered   → Initializing, Failed
//	Initializing → Ready, Failed
//	Ready        → ShuttingDown, Failed
//	ShuttingDown → Stopped, Failed
var validTransitions = map[State][]State{
	StateRegistered:   {StateInitializing, StateFailed},
	StateInitializing: {StateReady, StateFailed},
	StateReady:        {StateShuttingDown, StateFailed},
	StateShuttingDown: {StateStopped, StateFailed},
}

// ValidTransition reports whether a module may move from one state to
// another. Same-state transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StateChangeHandler observes module state changes. Handlers run
// synchronously under the module's state lock and must not call back into
// the registry. A panicking handler is recovered and logged.
type StateChangeHandler func(module string, old, new State)
