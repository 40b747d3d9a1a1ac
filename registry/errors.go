package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"juryflow/lifecycle"
)

// ErrReverted matches every *RevertError.
var ErrReverted = errors.New("registry: transaction reverted")

// Cause is the best-effort classification of a revert reason.
type Cause string

const (
	CauseUnknown            Cause = "unknown"
	CauseWrongPhase         Cause = "wrong_phase"
	CauseInsufficientStake  Cause = "insufficient_stake"
	CauseDeadlinePassed     Cause = "deadline_passed"
	CauseCommitmentMismatch Cause = "commitment_mismatch"
	CauseAlreadyDone        Cause = "already_done"
	CauseUnauthorized       Cause = "unauthorized"
)

// RevertError reports a transaction the registry refused, either during gas
// estimation or after it was mined.
type RevertError struct {
	Cause  Cause
	Reason string
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	msg := "registry: transaction reverted"
	if e.TxHash != (common.Hash{}) {
		msg += " (" + e.TxHash.Hex() + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets callers match both ErrReverted and, for phase rejections,
// lifecycle.ErrWrongPhase, so a stale local phase is handled like a local one.
func (e *RevertError) Is(target error) bool {
	if target == ErrReverted {
		return true
	}
	return e.Cause == CauseWrongPhase && target == lifecycle.ErrWrongPhase
}

// UserMessage translates the cause into actionable text.
func (e *RevertError) UserMessage() string {
	switch e.Cause {
	case CauseWrongPhase:
		return "The dispute is not in the right phase for this action yet. Refresh and try again."
	case CauseInsufficientStake:
		return "Your stake allowance or balance is too low to cover the required amount."
	case CauseDeadlinePassed:
		return "The deadline for this phase has passed."
	case CauseCommitmentMismatch:
		return "The revealed vote does not match your commitment."
	case CauseAlreadyDone:
		return "This action was already completed for your account."
	case CauseUnauthorized:
		return "Your account is not allowed to perform this action on this dispute."
	default:
		if e.Reason != "" {
			return fmt.Sprintf("Transaction failed: %s", e.Reason)
		}
		return "Transaction failed."
	}
}

var causePatterns = []struct {
	cause    Cause
	patterns []string
}{
	{CauseWrongPhase, []string{"wrong phase", "not in commit", "not in reveal", "invalid phase", "invalid status"}},
	{CauseInsufficientStake, []string{"insufficient allowance", "exceeds allowance", "exceeds balance", "insufficient stake", "insufficient funds"}},
	{CauseDeadlinePassed, []string{"deadline", "expired", "too late"}},
	{CauseCommitmentMismatch, []string{"hash mismatch", "invalid reveal", "commitment mismatch", "does not match"}},
	{CauseAlreadyDone, []string{"already"}},
	{CauseUnauthorized, []string{"not a juror", "not authorized", "unauthorized", "only "}},
}

// Classify maps a revert reason onto a Cause.
func Classify(reason string) Cause {
	lower := strings.ToLower(reason)
	for _, cp := range causePatterns {
		for _, p := range cp.patterns {
			if strings.Contains(lower, p) {
				return cp.cause
			}
		}
	}
	return CauseUnknown
}

// revertFromError extracts the revert reason carried by a JSON-RPC error.
// It returns nil when err is not an execution revert.
func revertFromError(err error, txHash common.Hash) *RevertError {
	if err == nil {
		return nil
	}
	reason := ""
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if unpacked, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					reason = unpacked
				}
			}
		}
	}
	msg := err.Error()
	if reason == "" {
		if !strings.Contains(strings.ToLower(msg), "revert") {
			return nil
		}
		reason = strings.TrimSpace(strings.TrimPrefix(msg, "execution reverted:"))
		if strings.EqualFold(reason, "execution reverted") {
			reason = ""
		}
	}
	return &RevertError{Cause: Classify(reason), Reason: reason, TxHash: txHash}
}
