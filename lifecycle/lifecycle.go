// Package lifecycle derives a dispute's phase from its on-chain status and
// decides which local actions are legal in that phase. It never changes a
// status; the registry owns every transition.
package lifecycle

import (
	"errors"
	"fmt"
)

// Phase is the ordinal stage of a dispute.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseAwaitingPayment
	PhaseCommit
	PhaseReveal
	PhaseFinished
	PhaseUnknown Phase = 0xff
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseAwaitingPayment:
		return "awaiting_payment"
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// FromStatus maps a raw registry status code to a Phase.
func FromStatus(status uint8) Phase {
	if status > uint8(PhaseFinished) {
		return PhaseUnknown
	}
	return Phase(status)
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseFinished
}

// Action is something a juror or party asks the registry to do.
type Action string

const (
	ActionJoin          Action = "join"
	ActionPay           Action = "pay"
	ActionCommit        Action = "commit"
	ActionReveal        Action = "reveal"
	ActionExecuteRuling Action = "execute_ruling"
)

// Actions lists every gated action.
var Actions = []Action{ActionJoin, ActionPay, ActionCommit, ActionReveal, ActionExecuteRuling}

var (
	// ErrWrongPhase signals an action attempted outside its legal phase.
	ErrWrongPhase = errors.New("lifecycle: action not permitted in current phase")
	// ErrMissingLocalSecret signals a reveal with no secret on this device,
	// usually because the vote was committed from another device.
	ErrMissingLocalSecret = errors.New("lifecycle: no local vote secret; the vote may have been committed from a different device")
	// ErrUnknownAction signals an action this package does not gate.
	ErrUnknownAction = errors.New("lifecycle: unknown action")
)

var requiredPhase = map[Action]Phase{
	ActionJoin:          PhaseCreated,
	ActionPay:           PhaseAwaitingPayment,
	ActionCommit:        PhaseCommit,
	ActionReveal:        PhaseReveal,
	ActionExecuteRuling: PhaseReveal,
}

// Permit returns nil when action may be submitted in phase. hasSecret only
// matters for reveals.
func Permit(phase Phase, action Action, hasSecret bool) error {
	want, ok := requiredPhase[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if phase != want {
		return fmt.Errorf("%w: %s requires %s, dispute is %s", ErrWrongPhase, action, want, phase)
	}
	if action == ActionReveal && !hasSecret {
		return ErrMissingLocalSecret
	}
	return nil
}

// Allowed lists the actions Permit accepts for phase.
func Allowed(phase Phase, hasSecret bool) []Action {
	out := make([]Action, 0, 2)
	for _, a := range Actions {
		if Permit(phase, a, hasSecret) == nil {
			out = append(out, a)
		}
	}
	return out
}
