package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// pendingTx polls for the receipt of a sent transaction.
type pendingTx struct {
	hash    common.Hash
	msg     ethereum.CallMsg
	backend Backend
	poll    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  log.Logger
}

func (t *pendingTx) Hash() common.Hash {
	return t.hash
}

func (t *pendingTx) Wait(ctx context.Context) error {
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, t.hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				t.logger.Info("Transaction mined", "hash", t.hash, "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
				return nil
			}
			return t.failure(ctx, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("registry: receipt %s: %w", t.hash.Hex(), err)
		}
		if err := t.sleep(ctx, t.poll); err != nil {
			return err
		}
	}
}

// failure replays the call at the mined block to recover the revert reason.
func (t *pendingTx) failure(ctx context.Context, receipt *types.Receipt) error {
	rev := &RevertError{Cause: CauseUnknown, TxHash: t.hash}
	_, err := t.backend.CallContract(ctx, t.msg, receipt.BlockNumber)
	if replayed := revertFromError(err, t.hash); replayed != nil {
		rev = replayed
	}
	t.logger.Warn("Transaction reverted", "hash", t.hash, "block", receipt.BlockNumber, "reason", rev.Reason, "cause", rev.Cause)
	return rev
}
