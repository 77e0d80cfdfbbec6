package engine

import "fmt"

// State is one node of the research pipeline state machine.
type State string

const (
	StateClarifying State = "clarifying"
	StatePlanning   State = "planning"
	StateSearching  State = "searching"
	StateEvaluating State = "evaluating"
	StateWriting    State = "writing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// allowedTransitions enumerates every legal hop. Planning -> Writing covers
// the force_write interrupt, which skips a pending re-plan once results
// exist to write from.
var allowedTransitions = map[State]map[State]struct{}{
	StateClarifying: {
		StatePlanning:  {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StatePlanning: {
		StateSearching: {},
		StateWriting:   {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateSearching: {
		StateEvaluating: {},
		StateFailed:     {},
		StateCancelled:  {},
	},
	StateEvaluating: {
		StatePlanning:  {},
		StateWriting:   {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateWriting: {
		StateDone:      {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateDone:      {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateState checks that state is part of the machine.
func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("invalid state: %q", state)
	}
	return nil
}

// ValidateTransition checks that from -> to is a legal hop.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	return nil
}
