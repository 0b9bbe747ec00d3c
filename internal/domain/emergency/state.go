package emergency

import (
	"fmt"
	"strings"
)

// State is the position of an admission in the triage workflow.
type State string

const (
	StateWaiting     State = "ATT"
	StateInVisit     State = "VIS"
	StateObservation State = "OBI"
	StateAdmitted    State = "RIC"
	StateDischarged  State = "DIM"
)

// AllStates in workflow order.
var AllStates = []State{StateWaiting, StateInVisit, StateObservation, StateAdmitted, StateDischarged}

// ParseState accepts exactly the five state codes. Case matters.
func ParseState(s string) (State, error) {
	st := State(strings.TrimSpace(s))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateInVisit, StateObservation, StateAdmitted, StateDischarged:
		return true
	}
	return false
}

// Active reports whether an admission in s belongs to the waiting-room queue.
func (s State) Active() bool {
	return s != StateAdmitted && s != StateDischarged
}

// TransitionPolicy decides which state changes Transition accepts.
type TransitionPolicy string

const (
	// TransitionPermissive allows any state to any state, including no-ops,
	// backward moves and leaving DIM.
	TransitionPermissive TransitionPolicy = "permissive"
	// TransitionDirected follows the forward workflow only.
	TransitionDirected TransitionPolicy = "directed"
)

var directedGraph = map[State][]State{
	StateWaiting:     {StateInVisit, StateDischarged},
	StateInVisit:     {StateObservation, StateAdmitted, StateDischarged},
	StateObservation: {StateAdmitted, StateDischarged},
	StateAdmitted:    {StateDischarged},
}

func ParseTransitionPolicy(s string) (TransitionPolicy, error) {
	switch p := TransitionPolicy(s); p {
	case TransitionPermissive, TransitionDirected:
		return p, nil
	case "":
		return TransitionPermissive, nil
	}
	return "", fmt.Errorf("unknown transition policy %q", s)
}

// Allows reports whether from → to is accepted. Both states must be valid.
func (p TransitionPolicy) Allows(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if p != TransitionDirected || from == to {
		return true
	}
	for _, next := range directedGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ColorPolicy decides whether intake validates color codes against the registry.
type ColorPolicy string

const (
	ColorStrict     ColorPolicy = "strict"
	ColorPermissive ColorPolicy = "permissive"
)

func ParseColorPolicy(s string) (ColorPolicy, error) {
	switch p := ColorPolicy(s); p {
	case ColorStrict, ColorPermissive:
		return p, nil
	case "":
		return ColorStrict, nil
	}
	return "", fmt.Errorf("unknown color policy %q", s)
}
