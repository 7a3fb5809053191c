package types

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a DataFlow. Values are stored as integers.
type State int

// DataFlow states
const (
	StateReceived   State = 100
	StateStarted    State = 150
	StateCompleted  State = 200
	StateSuspended  State = 225
	StateTerminated State = 250
	StateFailed     State = 300
	StateNotified   State = 400
)

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

var stateNames = map[State]string{
	StateReceived:   "RECEIVED",
	StateStarted:    "STARTED",
	StateCompleted:  "COMPLETED",
	StateSuspended:  "SUSPENDED",
	StateTerminated: "TERMINATED",
	StateFailed:     "FAILED",
	StateNotified:   "NOTIFIED",
}

var transitions = map[State][]State{
	StateReceived:  {StateReceived, StateStarted, StateFailed, StateSuspended, StateTerminated},
	StateStarted:   {StateStarted, StateReceived, StateCompleted, StateFailed, StateSuspended, StateTerminated},
	StateSuspended: {StateSuspended, StateReceived, StateStarted, StateTerminated},
	StateCompleted: {StateCompleted, StateNotified, StateSuspended, StateTerminated},
	StateFailed:    {StateFailed, StateNotified, StateSuspended, StateTerminated},
}

// String returns the upper-case name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsFinal reports whether no further transition is possible.
func (s State) IsFinal() bool {
	return s == StateNotified || s == StateTerminated
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// CanTransition reports whether a flow in state s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseState converts a state name (case-insensitive) into a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}
