package pipeline

import "fmt"

// State is the lifecycle position of a run.
type State string

const (
	StateInitialized         State = "INITIALIZED"
	StateChunking            State = "CHUNKING"
	StateProcessing          State = "PROCESSING"
	StateAssembling          State = "ASSEMBLING"
	StateCompleted           State = "COMPLETED"
	StateCompletedWithErrors State = "COMPLETED_WITH_ERRORS"
	StateFailed              State = "FAILED"
)

var transitions = map[State][]State{
	StateInitialized: {StateChunking},
	StateChunking:    {StateProcessing, StateCompleted},
	StateProcessing:  {StateAssembling},
	StateAssembling:  {StateCompleted, StateCompletedWithErrors},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompletedWithErrors || s == StateFailed
}

// Next validates the move from s to to. FAILED is reachable from every
// non-terminal state.
func (s State) Next(to State) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("run already %s", s)
	}
	if to == StateFailed {
		return to, nil
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("invalid transition %s -> %s", s, to)
}
