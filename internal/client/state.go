package client

import "fmt"

// State is a position in the client session state machine.
type State int

const (
	StateConnecting State = iota
	StateAwaitID
	StateAwaitEpochs
	StateAwaitFile
	StateAwaitStart
	StateTraining
	StateAwaitDone
	StateClosed
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateConnecting:  "CONNECTING",
	StateAwaitID:     "AWAIT_ID",
	StateAwaitEpochs: "AWAIT_EPOCHS",
	StateAwaitFile:   "AWAIT_FILE",
	StateAwaitStart:  "AWAIT_START",
	StateTraining:    "TRAINING",
	StateAwaitDone:   "AWAIT_DONE",
	StateClosed:      "CLOSED",
	StateCancelled:   "CANCELLED",
	StateFailed:      "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCancelled || s == StateFailed
}

// Outcome is how a session ended.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
