// Package registry is the client side of the on-chain dispute registry. The
// Registry interface is the compatibility surface the rest of the module uses;
// EthRegistry implements it against an EVM contract through go-ethereum.
package registry

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrNotFound signals an id outside the registry.
	ErrNotFound = errors.New("registry: dispute not found")
	// ErrNoSigner signals a write attempted on a read-only client.
	ErrNoSigner = errors.New("registry: no signer configured")
	// ErrNoStakeToken signals a stake approval without a configured token.
	ErrNoStakeToken = errors.New("registry: no stake token configured")
)

// Tx is a submitted transaction. Its effect is unknown until Wait returns.
type Tx interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined. It returns nil only for a
	// successful receipt and a *RevertError for a reverted one.
	Wait(ctx context.Context) error
}

// Registry is the read/write surface of the dispute registry.
type Registry interface {
	Address() common.Address
	Count(ctx context.Context) (uint64, error)
	Get(ctx context.Context, id uint64) (Record, error)
	SubmitCommitment(ctx context.Context, id uint64, commitment common.Hash) (Tx, error)
	SubmitReveal(ctx context.Context, id uint64, vote uint8, salt *uint256.Int) (Tx, error)
	ExecuteRuling(ctx context.Context, id uint64) (Tx, error)
	Join(ctx context.Context, id uint64) (Tx, error)
	Pay(ctx context.Context, id uint64) (Tx, error)
	Create(ctx context.Context, params CreateParams) (Tx, error)
}

// CommitmentReader is implemented by registries that expose stored commitments.
type CommitmentReader interface {
	CommitmentOf(ctx context.Context, id uint64, voter common.Address) (common.Hash, error)
}

// StakeApprover is implemented by registries that lock an ERC-20 stake.
type StakeApprover interface {
	// EnsureAllowance approves amount for the registry when the current
	// allowance is lower, and waits for the approval to be visible.
	EnsureAllowance(ctx context.Context, amount *big.Int) error
}

// JurorIndex is implemented by registries that track a juror's disputes.
type JurorIndex interface {
	JurorDisputes(ctx context.Context, juror common.Address) ([]uint64, error)
}
