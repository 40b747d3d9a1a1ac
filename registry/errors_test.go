package registry

import (
	"errors"
	"testing"

	"juryflow/lifecycle"
)

func TestClassify(t *testing.T) {
	cases := map[string]Cause{
		"Not in commit phase":            CauseWrongPhase,
		"Invalid status":                 CauseWrongPhase,
		"ERC20: insufficient allowance":  CauseInsufficientStake,
		"Commit deadline passed":         CauseDeadlinePassed,
		"Hash mismatch":                  CauseCommitmentMismatch,
		"Already committed":              CauseAlreadyDone,
		"Not a juror for this dispute":   CauseUnauthorized,
		"something the contract invents": CauseUnknown,
		"":                               CauseUnknown,
	}
	for reason, want := range cases {
		if got := Classify(reason); got != want {
			t.Errorf("Classify(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestRevertFromError(t *testing.T) {
	if revertFromError(nil, [32]byte{}) != nil {
		t.Fatal("expected nil for nil error")
	}
	if revertFromError(errors.New("connection refused"), [32]byte{}) != nil {
		t.Fatal("expected nil for transport error")
	}

	rev := revertFromError(errors.New("execution reverted: Already joined"), [32]byte{})
	if rev == nil || rev.Reason != "Already joined" || rev.Cause != CauseAlreadyDone {
		t.Fatalf("unexpected revert from message: %+v", rev)
	}

	rev = revertFromError(revertWith(t, "Reveal deadline passed"), [32]byte{})
	if rev == nil || rev.Cause != CauseDeadlinePassed {
		t.Fatalf("unexpected revert from data: %+v", rev)
	}

	bare := revertFromError(errors.New("execution reverted"), [32]byte{})
	if bare == nil || bare.Reason != "" || bare.Cause != CauseUnknown {
		t.Fatalf("unexpected bare revert: %+v", bare)
	}
}

func TestRevertError_IsAndMessage(t *testing.T) {
	phase := &RevertError{Cause: CauseWrongPhase, Reason: "Not in reveal phase"}
	if !errors.Is(phase, lifecycle.ErrWrongPhase) {
		t.Fatal("expected wrong-phase revert to match lifecycle.ErrWrongPhase")
	}
	other := &RevertError{Cause: CauseDeadlinePassed}
	if errors.Is(other, lifecycle.ErrWrongPhase) {
		t.Fatal("deadline revert must not match ErrWrongPhase")
	}
	if !errors.Is(other, ErrReverted) {
		t.Fatal("expected every revert to match ErrReverted")
	}
	if (&RevertError{Reason: "custom"}).UserMessage() != "Transaction failed: custom" {
		t.Fatal("unexpected fallback message")
	}
}
