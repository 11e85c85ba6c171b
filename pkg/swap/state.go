// Package swap runs the swap pipeline as an explicit state machine.
package swap

import (
	"fmt"

	"near-swap-worker/pkg/failure"
)

// State is a stage of the swap pipeline
type State int

const (
	Quoting State = iota
	Assembling
	Signing
	Publishing
	AwaitingSettlement
	Withdrawing
	Done
)

var stateNames = map[State]string{
	Quoting:            "Quoting",
	Assembling:         "Assembling",
	Signing:            "Signing",
	Publishing:         "Publishing",
	AwaitingSettlement: "AwaitingSettlement",
	Withdrawing:        "Withdrawing",
	Done:               "Done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States lists every state in pipeline order
func States() []State {
	return []State{Quoting, Assembling, Signing, Publishing, AwaitingSettlement, Withdrawing, Done}
}

// next is the single forward successor of each non-terminal state. Any
// non-terminal state may also jump straight to Done on failure.
var next = map[State]State{
	Quoting:            Assembling,
	Assembling:         Signing,
	Signing:            Publishing,
	Publishing:         AwaitingSettlement,
	AwaitingSettlement: Withdrawing,
	Withdrawing:        Done,
}

// ValidateTransition checks that to may follow from
func ValidateTransition(from, to State) error {
	successor, ok := next[from]
	if !ok {
		return failure.Newf(failure.Internal, "no transition out of %s", from)
	}
	if to != successor && to != Done {
		return failure.Newf(failure.Internal, "illegal transition from %s to %s", from, to)
	}
	return nil
}
