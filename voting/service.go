// Package voting is the surface the front end drives: it finds disputes,
// gates every action on the registry's current phase, and runs the
// commit-reveal protocol against the secret store.
package voting

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"juryflow/commitment"
	"juryflow/lifecycle"
	"juryflow/matchmaker"
	"juryflow/metadata"
	"juryflow/registry"
	"juryflow/secret"
)

var (
	// ErrCommitmentMismatch signals a stored secret that does not reproduce
	// the commitment recorded at commit time or held by the registry.
	ErrCommitmentMismatch = errors.New("voting: stored vote does not match the commitment")
	// ErrStakeMismatch signals a payment amount other than the required stake.
	ErrStakeMismatch = errors.New("voting: amount differs from the required stake")
	// ErrNoAccount signals an action attempted without a connected account.
	ErrNoAccount = errors.New("voting: no connected account")
)

// Account reports the address actions are signed with.
type Account interface {
	Address() common.Address
}

type Service struct {
	reg         registry.Registry
	secrets     secret.Store
	account     Account
	matcher     *matchmaker.Matchmaker
	meta        metadata.Fetcher
	salt        func() (*uint256.Int, error)
	idGenerator func() string
	now         func() time.Time
	logger      log.Logger

	locksMu sync.Mutex
	locks   map[secret.Key]*keyLock
}

// keyLock counts the callers holding or waiting on mu.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(reg registry.Registry, secrets secret.Store, account Account) *Service {
	return &Service{
		reg:         reg,
		secrets:     secrets,
		account:     account,
		matcher:     matchmaker.New(reg),
		salt:        commitment.GenerateSalt,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      log.Root().New("module", "voting"),
		locks:       make(map[secret.Key]*keyLock),
	}
}

func (s *Service) WithMatchmaker(m *matchmaker.Matchmaker) *Service {
	if m != nil {
		s.matcher = m
	}
	return s
}

func (s *Service) WithMetadata(f metadata.Fetcher) *Service {
	s.meta = f
	return s
}

func (s *Service) WithSaltSource(g *commitment.Generator) *Service {
	if g != nil {
		s.salt = g.Salt
	}
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l log.Logger) *Service {
	if l != nil {
		s.logger = l.New("module", "voting")
	}
	return s
}

// FindOpenDispute returns a random dispute that is open for jurors.
func (s *Service) FindOpenDispute(ctx context.Context) (uint64, error) {
	return s.matcher.FindOpen(ctx)
}

// CurrentPhase derives the phase of a record already in hand.
func (s *Service) CurrentPhase(rec registry.Record) lifecycle.Phase {
	return rec.Phase()
}

// Key returns the secret-store key of dispute id for the current account.
func (s *Service) Key(id uint64) (secret.Key, error) {
	voter := s.voter()
	if voter == (common.Address{}) {
		return secret.Key{}, ErrNoAccount
	}
	return secret.Key{Registry: s.reg.Address(), DisputeID: id, Voter: voter}, nil
}

func (s *Service) HasLocalSecret(ctx context.Context, key secret.Key) (bool, error) {
	_, err := s.secrets.Load(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, secret.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("voting: load secret: %w", err)
	}
}

// Dispute returns the record of id with its metadata. Metadata failures
// never fail the call; placeholders are shown instead.
func (s *Service) Dispute(ctx context.Context, id uint64) (DisputeView, error) {
	rec, err := s.reg.Get(ctx, id)
	if err != nil {
		return DisputeView{}, fmt.Errorf("voting: dispute %d: %w", id, err)
	}
	view := DisputeView{
		Record:   rec,
		Phase:    rec.Phase(),
		Metadata: metadata.Placeholder(id),
	}

	if s.meta != nil && rec.MetadataPointer != "" {
		doc, err := s.meta.Fetch(ctx, rec.MetadataPointer)
		if err != nil {
			s.logger.Debug("Metadata unavailable", "dispute", id, "pointer", rec.MetadataPointer, "err", err)
		} else {
			view.Metadata = doc.WithPlaceholders(id)
		}
	}

	if key, err := s.Key(id); err == nil {
		has, err := s.HasLocalSecret(ctx, key)
		if err != nil {
			return DisputeView{}, err
		}
		view.HasLocalSecret = has
	}
	view.Allowed = lifecycle.Allowed(view.Phase, view.HasLocalSecret)
	return view, nil
}

// Join enrolls the current account as a juror, approving the stake first
// when the registry locks one.
func (s *Service) Join(ctx context.Context, id uint64) (Result, error) {
	cid, logger := s.begin(lifecycle.ActionJoin, id)
	rec, err := s.gate(ctx, id, lifecycle.ActionJoin, false)
	if err != nil {
		return Result{}, err
	}
	if err := s.ensureStake(ctx, logger, rec.RequiredStake); err != nil {
		return Result{}, fmt.Errorf("voting: join %d: %w", id, err)
	}
	return s.submit(ctx, logger, cid, "join", id, func() (registry.Tx, error) {
		return s.reg.Join(ctx, id)
	})
}

// Pay locks the party's stake. A nil amount pays the required stake; any
// other amount must equal it.
func (s *Service) Pay(ctx context.Context, id uint64, amount *big.Int) (Result, error) {
	cid, logger := s.begin(lifecycle.ActionPay, id)
	rec, err := s.gate(ctx, id, lifecycle.ActionPay, false)
	if err != nil {
		return Result{}, err
	}
	required := rec.RequiredStake
	if required == nil {
		required = new(big.Int)
	}
	if amount != nil && amount.Cmp(required) != 0 {
		return Result{}, fmt.Errorf("%w: got %s, dispute %d requires %s", ErrStakeMismatch, amount, id, required)
	}
	if err := s.ensureStake(ctx, logger, required); err != nil {
		return Result{}, fmt.Errorf("voting: pay %d: %w", id, err)
	}
	return s.submit(ctx, logger, cid, "pay", id, func() (registry.Tx, error) {
		return s.reg.Pay(ctx, id)
	})
}

// Commit submits a hiding commitment to vote and, once the transaction is
// confirmed, persists the vote and salt needed to reveal it.
func (s *Service) Commit(ctx context.Context, id uint64, vote uint8) (Result, error) {
	if err := commitment.ValidateVote(uint64(vote)); err != nil {
		return Result{}, fmt.Errorf("voting: commit %d: %w", id, err)
	}
	key, err := s.Key(id)
	if err != nil {
		return Result{}, err
	}
	unlock := s.lock(key)
	defer unlock()

	cid, logger := s.begin(lifecycle.ActionCommit, id)
	if _, err := s.gate(ctx, id, lifecycle.ActionCommit, false); err != nil {
		return Result{}, err
	}

	if prev, err := s.secrets.Load(ctx, key); err == nil {
		logger.Warn("Replacing existing vote secret", "previous", prev.CreatedAt)
	} else if !errors.Is(err, secret.ErrNotFound) {
		return Result{}, fmt.Errorf("voting: commit %d: load secret: %w", id, err)
	}

	salt, err := s.salt()
	if err != nil {
		return Result{}, fmt.Errorf("voting: commit %d: %w", id, err)
	}
	hash := commitment.Commit(vote, salt)

	res, err := s.submit(ctx, logger, cid, "commit", id, func() (registry.Tx, error) {
		return s.reg.SubmitCommitment(ctx, id, hash)
	})
	if err != nil {
		return Result{}, err
	}
	res.Commitment = hash

	stored := secret.VoteSecret{Vote: vote, Salt: salt, Commitment: hash, CreatedAt: s.now().UTC()}
	if err := s.secrets.Save(ctx, key, stored); err != nil {
		logger.Error("Commitment confirmed but the secret was not saved", "tx", res.TxHash, "err", err)
		return res, fmt.Errorf("voting: commit %d: save secret after tx %s: %w", id, res.TxHash.Hex(), err)
	}
	logger.Info("Vote committed", "commitment", hash)
	return res, nil
}

// Reveal discloses the stored vote and salt for id.
func (s *Service) Reveal(ctx context.Context, id uint64) (Result, error) {
	key, err := s.Key(id)
	if err != nil {
		return Result{}, err
	}
	unlock := s.lock(key)
	defer unlock()

	cid, logger := s.begin(lifecycle.ActionReveal, id)
	stored, err := s.secrets.Load(ctx, key)
	hasSecret := err == nil
	if err != nil && !errors.Is(err, secret.ErrNotFound) {
		return Result{}, fmt.Errorf("voting: reveal %d: load secret: %w", id, err)
	}
	if _, err := s.gate(ctx, id, lifecycle.ActionReveal, hasSecret); err != nil {
		return Result{}, err
	}

	recomputed := commitment.Commit(stored.Vote, stored.Salt)
	if stored.Commitment != (common.Hash{}) && stored.Commitment != recomputed {
		return Result{}, fmt.Errorf("%w: dispute %d, local record", ErrCommitmentMismatch, id)
	}
	if reader, ok := s.reg.(registry.CommitmentReader); ok {
		onChain, err := reader.CommitmentOf(ctx, id, key.Voter)
		switch {
		case err != nil:
			logger.Warn("Could not read on-chain commitment", "err", err)
		case onChain == (common.Hash{}):
			return Result{}, fmt.Errorf("%w: dispute %d has no commitment from %s", ErrCommitmentMismatch, id, key.Voter.Hex())
		case onChain != recomputed:
			return Result{}, fmt.Errorf("%w: dispute %d, on-chain record", ErrCommitmentMismatch, id)
		}
	}

	res, err := s.submit(ctx, logger, cid, "reveal", id, func() (registry.Tx, error) {
		return s.reg.SubmitReveal(ctx, id, stored.Vote, stored.Salt)
	})
	if err != nil {
		return Result{}, err
	}
	res.Commitment = recomputed
	return res, nil
}

// ExecuteRuling asks the registry to tally and close dispute id.
func (s *Service) ExecuteRuling(ctx context.Context, id uint64) (Result, error) {
	cid, logger := s.begin(lifecycle.ActionExecuteRuling, id)
	if _, err := s.gate(ctx, id, lifecycle.ActionExecuteRuling, false); err != nil {
		return Result{}, err
	}
	return s.submit(ctx, logger, cid, "execute ruling", id, func() (registry.Tx, error) {
		return s.reg.ExecuteRuling(ctx, id)
	})
}

// CreateDispute opens a new dispute with the current account as claimant.
func (s *Service) CreateDispute(ctx context.Context, params registry.CreateParams) (Result, error) {
	if s.voter() == (common.Address{}) {
		return Result{}, ErrNoAccount
	}
	if params.Defendant == s.voter() {
		return Result{}, fmt.Errorf("voting: create: defendant must differ from claimant")
	}
	cid := s.idGenerator()
	logger := s.logger.New("action", "create", "cid", cid)
	tx, err := s.reg.Create(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("voting: create: %w", err)
	}
	logger.Info("Dispute submitted", "tx", tx.Hash(), "defendant", params.Defendant, "category", params.Category)
	if err := tx.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("voting: create: %w", err)
	}
	return Result{CorrelationID: cid, TxHash: tx.Hash()}, nil
}

func (s *Service) voter() common.Address {
	if s.account == nil {
		return common.Address{}
	}
	return s.account.Address()
}

func (s *Service) begin(action lifecycle.Action, id uint64) (string, log.Logger) {
	cid := s.idGenerator()
	return cid, s.logger.New("action", string(action), "dispute", id, "cid", cid)
}

// gate re-reads the record and checks the action against its phase. Cached
// records are never trusted.
func (s *Service) gate(ctx context.Context, id uint64, action lifecycle.Action, hasSecret bool) (registry.Record, error) {
	rec, err := s.reg.Get(ctx, id)
	if err != nil {
		return registry.Record{}, fmt.Errorf("voting: %s %d: %w", action, id, err)
	}
	if err := lifecycle.Permit(rec.Phase(), action, hasSecret); err != nil {
		return registry.Record{}, fmt.Errorf("voting: dispute %d: %w", id, err)
	}
	return rec, nil
}

func (s *Service) ensureStake(ctx context.Context, logger log.Logger, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	approver, ok := s.reg.(registry.StakeApprover)
	if !ok {
		return nil
	}
	logger.Debug("Ensuring stake allowance", "amount", amount)
	return approver.EnsureAllowance(ctx, amount)
}

func (s *Service) submit(ctx context.Context, logger log.Logger, cid, op string, id uint64, send func() (registry.Tx, error)) (Result, error) {
	tx, err := send()
	if err != nil {
		return Result{}, s.fail(logger, op, id, err)
	}
	logger.Info("Transaction submitted", "tx", tx.Hash())
	if err := tx.Wait(ctx); err != nil {
		return Result{}, s.fail(logger, op, id, err)
	}
	return Result{CorrelationID: cid, TxHash: tx.Hash()}, nil
}

func (s *Service) fail(logger log.Logger, op string, id uint64, err error) error {
	var rev *registry.RevertError
	if errors.As(err, &rev) {
		logger.Warn("Registry rejected transaction", "cause", rev.Cause, "reason", rev.Reason)
	}
	return fmt.Errorf("voting: %s %d: %w", op, id, err)
}

// lock serialises commits and reveals for one key inside this process. The
// entry is dropped once the last holder unlocks.
func (s *Service) lock(key secret.Key) func() {
	s.locksMu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}
