package protocol

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the peer sends TIMEOUT. It marks a graceful
// end of the session, not a failure.
var ErrCancelled = errors.New("session cancelled by peer")

// ViolationError reports an inbound message that the receiving state does not
// accept. The protocol has no resynchronization step, so it is always fatal.
type ViolationError struct {
	State    string
	Expected Kind
	Got      Kind
	// Layer ids are set only for weight exchanges.
	ExpectedLayer *uint8
	GotLayer      *uint8
}

func (e *ViolationError) Error() string {
	if e.ExpectedLayer != nil && e.Got == e.Expected && e.GotLayer != nil {
		return fmt.Sprintf("protocol violation in %s: expected %s for layer %d, got layer %d",
			e.State, e.Expected, *e.ExpectedLayer, *e.GotLayer)
	}
	if e.ExpectedLayer != nil {
		return fmt.Sprintf("protocol violation in %s: expected %s for layer %d, got %s",
			e.State, e.Expected, *e.ExpectedLayer, e.Got)
	}
	return fmt.Sprintf("protocol violation in %s: expected %s, got %s", e.State, e.Expected, e.Got)
}

// Expect checks that m has the wanted kind. TIMEOUT maps to ErrCancelled from
// every state.
func Expect(state string, m Message, want Kind) error {
	if m.kind == KindTimeout && want != KindTimeout {
		return ErrCancelled
	}
	if m.kind != want {
		return &ViolationError{State: state, Expected: want, Got: m.kind}
	}
	return nil
}

// ExpectLayer checks kind and layer id of a weight message.
func ExpectLayer(state string, m Message, want Kind, layer uint8) error {
	if m.kind == KindTimeout {
		return ErrCancelled
	}
	expected := layer
	if m.kind != want {
		return &ViolationError{State: state, Expected: want, Got: m.kind, ExpectedLayer: &expected}
	}
	got, _ := m.Layer()
	if got != layer {
		return &ViolationError{State: state, Expected: want, Got: m.kind, ExpectedLayer: &expected, GotLayer: &got}
	}
	return nil
}
