// ABOUTME: Finite state machine for tool invocation parts
// ABOUTME: Enumerates tool states and validates every transition against a fixed table

package message

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a tool part is moved along an edge not in the table.
var ErrInvalidTransition = errors.New("invalid tool state transition")

// ToolState is the lifecycle state of a single tool call.
type ToolState string

const (
	StateInputAvailable    ToolState = "input-available"
	StateApprovalRequested ToolState = "approval-requested"
	StateApprovalResponded ToolState = "approval-responded"
	StateOutputDenied      ToolState = "output-denied"
	StateOutputAvailable   ToolState = "output-available"
)

var transitions = map[ToolState][]ToolState{
	StateInputAvailable:    {StateApprovalRequested, StateOutputAvailable},
	StateApprovalRequested: {StateApprovalResponded, StateOutputDenied},
	StateApprovalResponded: {StateOutputAvailable, StateOutputDenied},
	StateOutputDenied:      nil,
	StateOutputAvailable:   nil,
}

// Valid reports whether s is a known state.
func (s ToolState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s ToolState) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to ToolState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to ToolState) error {
	if !from.Valid() || !to.Valid() || !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Advance moves a tool part to the next state. The part is left unchanged on error.
func (p *Part) Advance(to ToolState) error {
	if !p.Type.IsTool() {
		return fmt.Errorf("%w: part %q is not a tool invocation", ErrInvalidTransition, p.Type)
	}
	if err := Transition(p.State, to); err != nil {
		return err
	}
	p.State = to
	return nil
}

// PendingApproval reports whether the part awaits a human decision.
func (p *Part) PendingApproval() bool {
	return p.Type.IsTool() && p.State == StateApprovalRequested
}

// Responded reports whether the part carries a human decision that has not been acted on yet.
// The second return value is the decision.
func (p *Part) Responded() (bool, bool) {
	if !p.Type.IsTool() || p.State != StateApprovalResponded || p.Approval == nil {
		return false, false
	}
	return true, p.Approval.Approved != nil && *p.Approval.Approved
}
