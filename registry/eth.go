package registry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"juryflow/signer"
)

// Backend is the part of *ethclient.Client the registry needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const (
	DefaultReceiptPoll = 2 * time.Second
	// gasMarginPercent pads estimates so small state changes between
	// estimation and inclusion do not run the transaction out of gas.
	gasMarginPercent = 20
	allowanceRetries = 5
)

// EthRegistry implements Registry against the dispute contract.
type EthRegistry struct {
	backend     Backend
	address     common.Address
	chainID     *big.Int
	signer      signer.Signer
	stakeToken  common.Address
	receiptPoll time.Duration
	logger      log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewEthRegistry returns a read-only client; attach a signer with WithSigner.
func NewEthRegistry(backend Backend, address common.Address, chainID *big.Int) *EthRegistry {
	return &EthRegistry{
		backend:     backend,
		address:     address,
		chainID:     chainID,
		receiptPoll: DefaultReceiptPoll,
		logger:      log.Root().New("module", "registry"),
		sleep:       sleepContext,
	}
}

func (r *EthRegistry) WithSigner(s signer.Signer) *EthRegistry {
	r.signer = s
	return r
}

func (r *EthRegistry) WithStakeToken(token common.Address) *EthRegistry {
	r.stakeToken = token
	return r
}

func (r *EthRegistry) WithReceiptPoll(d time.Duration) *EthRegistry {
	if d > 0 {
		r.receiptPoll = d
	}
	return r
}

func (r *EthRegistry) WithLogger(l log.Logger) *EthRegistry {
	if l != nil {
		r.logger = l.New("module", "registry")
	}
	return r
}

func (r *EthRegistry) Address() common.Address {
	return r.address
}

func (r *EthRegistry) Count(ctx context.Context) (uint64, error) {
	out, err := r.call(ctx, registryABI, r.address, "disputeCount")
	if err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	n, err := toUint64(out[0])
	if err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	return n, nil
}

func (r *EthRegistry) Get(ctx context.Context, id uint64) (Record, error) {
	out, err := r.call(ctx, registryABI, r.address, "disputes", new(big.Int).SetUint64(id))
	if err != nil {
		if rev := revertFromError(err, common.Hash{}); rev != nil {
			return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("registry: get %d: %w", id, err)
	}
	rec, err := decodeRecord(out)
	if err != nil {
		return Record{}, fmt.Errorf("registry: decode %d: %w", id, err)
	}
	// Solidity mappings return a zeroed struct for unknown keys.
	if rec.Claimant == (common.Address{}) {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, nil
}

func (r *EthRegistry) CommitmentOf(ctx context.Context, id uint64, voter common.Address) (common.Hash, error) {
	out, err := r.call(ctx, registryABI, r.address, "commitments", new(big.Int).SetUint64(id), voter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registry: commitment %d: %w", id, err)
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("registry: commitment %d: unexpected type %T", id, out[0])
	}
	return common.Hash(raw), nil
}

func (r *EthRegistry) JurorDisputes(ctx context.Context, juror common.Address) ([]uint64, error) {
	out, err := r.call(ctx, registryABI, r.address, "getJurorDisputes", juror)
	if err != nil {
		return nil, fmt.Errorf("registry: juror disputes: %w", err)
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("registry: juror disputes: unexpected type %T", out[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := toUint64(v)
		if err != nil {
			return nil, fmt.Errorf("registry: juror disputes: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *EthRegistry) SubmitCommitment(ctx context.Context, id uint64, commitment common.Hash) (Tx, error) {
	return r.transact(ctx, registryABI, r.address, "commitVote", new(big.Int).SetUint64(id), [32]byte(commitment))
}

func (r *EthRegistry) SubmitReveal(ctx context.Context, id uint64, vote uint8, salt *uint256.Int) (Tx, error) {
	return r.transact(ctx, registryABI, r.address, "revealVote",
		new(big.Int).SetUint64(id), new(big.Int).SetUint64(uint64(vote)), salt.ToBig())
}

func (r *EthRegistry) ExecuteRuling(ctx context.Context, id uint64) (Tx, error) {
	return r.transact(ctx, registryABI, r.address, "executeRuling", new(big.Int).SetUint64(id))
}

func (r *EthRegistry) Join(ctx context.Context, id uint64) (Tx, error) {
	return r.transact(ctx, registryABI, r.address, "joinDispute", new(big.Int).SetUint64(id))
}

func (r *EthRegistry) Pay(ctx context.Context, id uint64) (Tx, error) {
	return r.transact(ctx, registryABI, r.address, "payDispute", new(big.Int).SetUint64(id))
}

func (r *EthRegistry) Create(ctx context.Context, params CreateParams) (Tx, error) {
	p := params.WithDefaults()
	if p.Defendant == (common.Address{}) {
		return nil, fmt.Errorf("registry: create: defendant required")
	}
	return r.transact(ctx, registryABI, r.address, "createDispute",
		p.Defendant,
		p.Category,
		p.MetadataPointer,
		new(big.Int).SetUint64(p.JurorsRequired),
		big.NewInt(int64(p.PayWindow/time.Second)),
		big.NewInt(int64(p.CommitWindow/time.Second)),
		big.NewInt(int64(p.RevealWindow/time.Second)),
	)
}

// EnsureAllowance approves the registry to pull amount of the stake token.
// After the approval is mined the allowance is re-read a few times because
// load-balanced RPC nodes can lag behind the node that mined it.
func (r *EthRegistry) EnsureAllowance(ctx context.Context, amount *big.Int) error {
	if r.stakeToken == (common.Address{}) {
		return ErrNoStakeToken
	}
	if r.signer == nil {
		return ErrNoSigner
	}
	owner := r.signer.Address()

	current, err := r.allowance(ctx, owner)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		r.logger.Debug("Allowance already sufficient", "owner", owner, "allowance", current, "required", amount)
		return nil
	}

	r.logger.Info("Approving stake", "owner", owner, "token", r.stakeToken, "amount", amount)
	tx, err := r.transact(ctx, tokenABI, r.stakeToken, "approve", r.address, amount)
	if err != nil {
		return fmt.Errorf("registry: approve stake: %w", err)
	}
	if err := tx.Wait(ctx); err != nil {
		return fmt.Errorf("registry: approve stake: %w", err)
	}

	for attempt := 0; attempt < allowanceRetries; attempt++ {
		current, err = r.allowance(ctx, owner)
		if err != nil {
			return err
		}
		if current.Cmp(amount) >= 0 {
			return nil
		}
		r.logger.Debug("Waiting for allowance to propagate", "attempt", attempt+1)
		if err := r.sleep(ctx, r.receiptPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("registry: allowance still below %s after approval", amount)
}

func (r *EthRegistry) allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.call(ctx, tokenABI, r.stakeToken, "allowance", owner, r.address)
	if err != nil {
		return nil, fmt.Errorf("registry: read allowance: %w", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("registry: read allowance: unexpected type %T", out[0])
	}
	return v, nil
}

func (r *EthRegistry) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if r.signer != nil {
		msg.From = r.signer.Address()
	}
	raw, err := r.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (r *EthRegistry) transact(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (Tx, error) {
	if r.signer == nil {
		return nil, ErrNoSigner
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: pack %s: %w", method, err)
	}
	from := r.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	// Estimation runs the call against current state, so most reverts
	// surface here before any fee is spent.
	gas, err := r.backend.EstimateGas(ctx, msg)
	if err != nil {
		if rev := revertFromError(err, common.Hash{}); rev != nil {
			return nil, rev
		}
		return nil, fmt.Errorf("registry: estimate %s: %w", method, err)
	}
	gas += gas * gasMarginPercent / 100

	nonce, err := r.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("registry: nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := r.signer.SignTx(ctx, tx, r.chainID)
	if err != nil {
		return nil, fmt.Errorf("registry: sign %s: %w", method, err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		if rev := revertFromError(err, signed.Hash()); rev != nil {
			return nil, rev
		}
		return nil, fmt.Errorf("registry: send %s: %w", method, err)
	}

	r.logger.Info("Transaction sent", "method", method, "hash", signed.Hash(), "nonce", nonce, "gas", gas)
	return &pendingTx{
		hash:    signed.Hash(),
		msg:     msg,
		backend: r.backend,
		poll:    r.receiptPoll,
		sleep:   r.sleep,
		logger:  r.logger,
	}, nil
}

func decodeRecord(out []interface{}) (Record, error) {
	if len(out) != 12 {
		return Record{}, fmt.Errorf("expected 12 fields, got %d", len(out))
	}
	var (
		rec Record
		err error
	)
	fail := func(field string, v interface{}) error {
		return fmt.Errorf("field %s: unexpected type %T", field, v)
	}

	if rec.ID, err = toUint64(out[0]); err != nil {
		return Record{}, err
	}
	var ok bool
	if rec.Claimant, ok = out[1].(common.Address); !ok {
		return Record{}, fail("claimer", out[1])
	}
	if rec.Defendant, ok = out[2].(common.Address); !ok {
		return Record{}, fail("defender", out[2])
	}
	if rec.Category, ok = out[3].(string); !ok {
		return Record{}, fail("category", out[3])
	}
	if rec.RequiredStake, ok = out[4].(*big.Int); !ok {
		return Record{}, fail("requiredStake", out[4])
	}
	if rec.JurorsRequired, err = toUint64(out[5]); err != nil {
		return Record{}, err
	}
	if rec.PayDeadline, err = toUint64(out[6]); err != nil {
		return Record{}, err
	}
	if rec.CommitDeadline, err = toUint64(out[7]); err != nil {
		return Record{}, err
	}
	if rec.RevealDeadline, err = toUint64(out[8]); err != nil {
		return Record{}, err
	}
	status, ok := out[9].(uint8)
	if !ok {
		return Record{}, fail("status", out[9])
	}
	rec.Status = Status(status)
	if rec.MetadataPointer, ok = out[10].(string); !ok {
		return Record{}, fail("ipfsHash", out[10])
	}
	winner, ok := out[11].(common.Address)
	if !ok {
		return Record{}, fail("winner", out[11])
	}
	if winner != (common.Address{}) {
		rec.Winner = &winner
	}
	return rec, nil
}

func toUint64(v interface{}) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("expected *big.Int, got %T", v)
	}
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, fmt.Errorf("value %s out of uint64 range", b)
	}
	return b.Uint64(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
