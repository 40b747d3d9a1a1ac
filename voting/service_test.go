package voting

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"juryflow/commitment"
	"juryflow/lifecycle"
	"juryflow/metadata"
	"juryflow/registry"
	"juryflow/secret"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	voterAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stake        = big.NewInt(2_500_000)
)

type staticAccount common.Address

func (a staticAccount) Address() common.Address { return common.Address(a) }

type fakeTx struct {
	hash    common.Hash
	waitErr error
}

func (t fakeTx) Hash() common.Hash              { return t.hash }
func (t fakeTx) Wait(ctx context.Context) error { return t.waitErr }

type reveal struct {
	id   uint64
	vote uint8
	salt *uint256.Int
}

// fakeRegistry records every read and submission.
type fakeRegistry struct {
	mu sync.Mutex

	records map[uint64]registry.Record
	onChain map[uint64]common.Hash

	gets        int
	submissions []string
	commits     []common.Hash
	reveals     []reveal
	allowances  []*big.Int

	submitErr error
	waitErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		records: make(map[uint64]registry.Record),
		onChain: make(map[uint64]common.Hash),
	}
}

func (f *fakeRegistry) setStatus(id uint64, st registry.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = registry.Record{
		ID:              id,
		Claimant:        common.HexToAddress("0x01"),
		Defendant:       common.HexToAddress("0x02"),
		Status:          st,
		RequiredStake:   stake,
		MetadataPointer: "QmDoc",
	}
}

func (f *fakeRegistry) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeRegistry) Address() common.Address { return registryAddr }

func (f *fakeRegistry) Count(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.records)), nil
}

func (f *fakeRegistry) Get(ctx context.Context, id uint64) (registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	rec, ok := f.records[id]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRegistry) send(name string) (registry.Tx, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, name)
	return fakeTx{hash: common.BytesToHash([]byte{byte(len(f.submissions))}), waitErr: f.waitErr}, nil
}

func (f *fakeRegistry) SubmitCommitment(ctx context.Context, id uint64, c common.Hash) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.send("commit")
	if err == nil {
		f.commits = append(f.commits, c)
		if f.waitErr == nil {
			f.onChain[id] = c
		}
	}
	return tx, err
}

func (f *fakeRegistry) SubmitReveal(ctx context.Context, id uint64, vote uint8, salt *uint256.Int) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := f.send("reveal")
	if err == nil {
		f.reveals = append(f.reveals, reveal{id: id, vote: vote, salt: salt})
	}
	return tx, err
}

func (f *fakeRegistry) ExecuteRuling(ctx context.Context, id uint64) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send("execute")
}

func (f *fakeRegistry) Join(ctx context.Context, id uint64) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send("join")
}

func (f *fakeRegistry) Pay(ctx context.Context, id uint64) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send("pay")
}

func (f *fakeRegistry) Create(ctx context.Context, params registry.CreateParams) (registry.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send("create")
}

func (f *fakeRegistry) CommitmentOf(ctx context.Context, id uint64, voter common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onChain[id], nil
}

func (f *fakeRegistry) EnsureAllowance(ctx context.Context, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances = append(f.allowances, amount)
	return nil
}

type fakeFetcher struct {
	doc metadata.Metadata
	err error
}

func (f fakeFetcher) Fetch(ctx context.Context, pointer string) (metadata.Metadata, error) {
	return f.doc, f.err
}

func newTestService(reg *fakeRegistry, store secret.Store) *Service {
	return NewService(reg, store, staticAccount(voterAddr)).
		WithIDGenerator(func() string { return "cid-1" }).
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) })
}

func testKey(id uint64) secret.Key {
	return secret.Key{Registry: registryAddr, DisputeID: id, Voter: voterAddr}
}

func TestCommitThenReveal(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(7, registry.StatusCommit)
	store := secret.NewMemoryStore()
	entropy := bytes.Repeat([]byte{0x01}, commitment.SaltBytes)
	svc := newTestService(reg, store).WithSaltSource(commitment.NewGenerator(bytes.NewReader(entropy)))
	ctx := context.Background()

	res, err := svc.Commit(ctx, 7, commitment.VoteClaimant)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.CorrelationID != "cid-1" || res.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, err := store.Load(ctx, testKey(7))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Vote != 1 || stored.Commitment != res.Commitment || reg.commits[0] != res.Commitment {
		t.Fatalf("stored secret does not match the submitted commitment: %+v", stored)
	}
	if commitment.Commit(stored.Vote, stored.Salt) != res.Commitment {
		t.Fatal("recomputed commitment differs from the one submitted")
	}

	reg.setStatus(7, registry.StatusReveal)
	if _, err := svc.Reveal(ctx, 7); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if len(reg.reveals) != 1 || reg.reveals[0].vote != 1 || !reg.reveals[0].salt.Eq(stored.Salt) {
		t.Fatalf("unexpected reveal: %+v", reg.reveals)
	}
}

func TestReveal_WithoutLocalSecret(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(7, registry.StatusReveal)
	svc := newTestService(reg, secret.NewMemoryStore())
	ctx := context.Background()

	has, err := svc.HasLocalSecret(ctx, testKey(7))
	if err != nil || has {
		t.Fatalf("expected no local secret, got has=%v err=%v", has, err)
	}
	_, err = svc.Reveal(ctx, 7)
	if !errors.Is(err, lifecycle.ErrMissingLocalSecret) {
		t.Fatalf("expected ErrMissingLocalSecret got %v", err)
	}
	if reg.submitted() != 0 {
		t.Fatal("expected no submission")
	}
}

func TestCommit_WrongPhaseSubmitsNothing(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(3, registry.StatusAwaitingPayment)
	store := secret.NewMemoryStore()
	svc := newTestService(reg, store)

	_, err := svc.Commit(context.Background(), 3, commitment.VoteDefendant)
	if !errors.Is(err, lifecycle.ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase got %v", err)
	}
	if reg.submitted() != 0 {
		t.Fatalf("expected zero submissions, got %v", reg.submissions)
	}
	if reg.gets != 1 {
		t.Fatalf("expected a single revalidating read, got %d", reg.gets)
	}
	if _, err := store.Load(context.Background(), testKey(3)); !errors.Is(err, secret.ErrNotFound) {
		t.Fatal("expected no secret saved")
	}
}

func TestCommit_InvalidVote(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(1, registry.StatusCommit)
	if _, err := newTestService(reg, secret.NewMemoryStore()).Commit(context.Background(), 1, 2); !errors.Is(err, commitment.ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote got %v", err)
	}
	if reg.gets != 0 {
		t.Fatal("expected validation before any read")
	}
}

func TestCommit_RegistryRejectsPhase(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(4, registry.StatusCommit)
	reg.submitErr = &registry.RevertError{Cause: registry.CauseWrongPhase, Reason: "Not in commit phase"}
	store := secret.NewMemoryStore()

	_, err := newTestService(reg, store).Commit(context.Background(), 4, commitment.VoteClaimant)
	if !errors.Is(err, lifecycle.ErrWrongPhase) || !errors.Is(err, registry.ErrReverted) {
		t.Fatalf("expected wrong-phase revert got %v", err)
	}
	if _, err := store.Load(context.Background(), testKey(4)); !errors.Is(err, secret.ErrNotFound) {
		t.Fatal("expected no secret saved for a rejected commit")
	}
}

func TestCommit_RevertedReceiptSavesNothing(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(4, registry.StatusCommit)
	reg.waitErr = &registry.RevertError{Cause: registry.CauseDeadlinePassed, Reason: "Commit deadline passed"}
	store := secret.NewMemoryStore()

	_, err := newTestService(reg, store).Commit(context.Background(), 4, commitment.VoteClaimant)
	var rev *registry.RevertError
	if !errors.As(err, &rev) || rev.Cause != registry.CauseDeadlinePassed {
		t.Fatalf("expected deadline revert got %v", err)
	}
	if _, err := store.Load(context.Background(), testKey(4)); !errors.Is(err, secret.ErrNotFound) {
		t.Fatal("expected no secret saved for a reverted commit")
	}
}

func TestCommit_OverwriteReplacesSecret(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(9, registry.StatusCommit)
	store := secret.NewMemoryStore()
	svc := newTestService(reg, store)
	ctx := context.Background()

	if _, err := svc.Commit(ctx, 9, commitment.VoteDefendant); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := svc.Commit(ctx, 9, commitment.VoteClaimant)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	stored, err := store.Load(ctx, testKey(9))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Vote != 1 || stored.Commitment != second.Commitment {
		t.Fatalf("expected the second commit to win, got %+v", stored)
	}
}

func TestCommit_ConcurrentSameKey(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(5, registry.StatusCommit)
	store := secret.NewMemoryStore()
	svc := newTestService(reg, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(vote uint8) {
			defer wg.Done()
			if _, err := svc.Commit(ctx, 5, vote); err != nil {
				t.Errorf("commit: %v", err)
			}
		}(uint8(i % 2))
	}
	wg.Wait()

	stored, err := store.Load(ctx, testKey(5))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	last := reg.commits[len(reg.commits)-1]
	if stored.Commitment != last || commitment.Commit(stored.Vote, stored.Salt) != last {
		t.Fatal("stored secret does not belong to the last confirmed commitment")
	}
}

func TestLock_ReleasesKeyEntries(t *testing.T) {
	svc := newTestService(newFakeRegistry(), secret.NewMemoryStore())

	unlockA := svc.lock(testKey(1))
	unlockB := svc.lock(testKey(2))
	if n := len(svc.locks); n != 2 {
		t.Fatalf("expected 2 held entries got %d", n)
	}

	acquired := make(chan struct{})
	go func() {
		unlock := svc.lock(testKey(1))
		close(acquired)
		unlock()
	}()

	unlockB()
	unlockA()
	<-acquired

	deadline := time.Now().Add(time.Second)
	for {
		svc.locksMu.Lock()
		n := len(svc.locks)
		svc.locksMu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected lock entries to be dropped, %d left", n)
		}
		time.Sleep(time.Millisecond)
	}

	reg := newFakeRegistry()
	reg.setStatus(5, registry.StatusCommit)
	svc = newTestService(reg, secret.NewMemoryStore())
	for i := 0; i < 3; i++ {
		if _, err := svc.Commit(context.Background(), 5, 1); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	if n := len(svc.locks); n != 0 {
		t.Fatalf("expected no lock entries after commits, got %d", n)
	}
}

func TestReveal_CommitmentMismatch(t *testing.T) {
	ctx := context.Background()
	salt := uint256.NewInt(999)

	t.Run("local record", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.setStatus(2, registry.StatusReveal)
		store := secret.NewMemoryStore()
		if err := store.Save(ctx, testKey(2), secret.VoteSecret{Vote: 1, Salt: salt, Commitment: commitment.Commit(0, salt)}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := newTestService(reg, store).Reveal(ctx, 2); !errors.Is(err, ErrCommitmentMismatch) {
			t.Fatalf("expected ErrCommitmentMismatch got %v", err)
		}
		if reg.submitted() != 0 {
			t.Fatal("expected no submission")
		}
	})

	t.Run("on-chain record", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.setStatus(2, registry.StatusReveal)
		reg.onChain[2] = commitment.Commit(1, uint256.NewInt(1000))
		store := secret.NewMemoryStore()
		if err := store.Save(ctx, testKey(2), secret.VoteSecret{Vote: 1, Salt: salt}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := newTestService(reg, store).Reveal(ctx, 2); !errors.Is(err, ErrCommitmentMismatch) {
			t.Fatalf("expected ErrCommitmentMismatch got %v", err)
		}
	})

	t.Run("never committed on-chain", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.setStatus(2, registry.StatusReveal)
		store := secret.NewMemoryStore()
		if err := store.Save(ctx, testKey(2), secret.VoteSecret{Vote: 1, Salt: salt}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := newTestService(reg, store).Reveal(ctx, 2); !errors.Is(err, ErrCommitmentMismatch) {
			t.Fatalf("expected ErrCommitmentMismatch got %v", err)
		}
	})
}

func TestPay(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.setStatus(6, registry.StatusAwaitingPayment)
	svc := newTestService(reg, secret.NewMemoryStore())

	if _, err := svc.Pay(ctx, 6, big.NewInt(1)); !errors.Is(err, ErrStakeMismatch) {
		t.Fatalf("expected ErrStakeMismatch got %v", err)
	}
	if reg.submitted() != 0 || len(reg.allowances) != 0 {
		t.Fatal("expected nothing approved or submitted for a wrong amount")
	}

	if _, err := svc.Pay(ctx, 6, nil); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if len(reg.allowances) != 1 || reg.allowances[0].Cmp(stake) != 0 {
		t.Fatalf("expected allowance for %s, got %v", stake, reg.allowances)
	}
	if reg.submissions[0] != "pay" {
		t.Fatalf("unexpected submissions: %v", reg.submissions)
	}

	reg.setStatus(6, registry.StatusCommit)
	if _, err := svc.Pay(ctx, 6, stake); !errors.Is(err, lifecycle.ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase got %v", err)
	}
}

func TestJoinAndExecute(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.setStatus(1, registry.StatusCreated)
	svc := newTestService(reg, secret.NewMemoryStore())

	if _, err := svc.Join(ctx, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(reg.allowances) != 1 || reg.submissions[0] != "join" {
		t.Fatalf("expected approval then join, got allowances=%v submissions=%v", reg.allowances, reg.submissions)
	}

	if _, err := svc.ExecuteRuling(ctx, 1); !errors.Is(err, lifecycle.ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase got %v", err)
	}
	reg.setStatus(1, registry.StatusReveal)
	if _, err := svc.ExecuteRuling(ctx, 1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	reg.setStatus(1, registry.StatusFinished)
	if _, err := svc.ExecuteRuling(ctx, 1); !errors.Is(err, lifecycle.ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase after finish got %v", err)
	}
}

func TestFindOpenDispute(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(0, registry.StatusCommit)
	reg.setStatus(1, registry.StatusCreated)
	id, err := newTestService(reg, secret.NewMemoryStore()).FindOpenDispute(context.Background())
	if err != nil || id != 1 {
		t.Fatalf("expected dispute 1, got %d err %v", id, err)
	}
}

func TestDispute_MetadataPlaceholders(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.setStatus(11, registry.StatusReveal)

	view, err := newTestService(reg, secret.NewMemoryStore()).
		WithMetadata(fakeFetcher{err: metadata.ErrUnavailable}).
		Dispute(ctx, 11)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if view.Metadata.Title != "Dispute #11" || view.Metadata.Description != "No description provided." {
		t.Fatalf("expected placeholders, got %+v", view.Metadata)
	}
	if view.Phase != lifecycle.PhaseReveal || len(view.Allowed) != 1 || view.Allowed[0] != lifecycle.ActionExecuteRuling {
		t.Fatalf("unexpected view: phase=%s allowed=%v", view.Phase, view.Allowed)
	}

	view, err = newTestService(reg, secret.NewMemoryStore()).
		WithMetadata(fakeFetcher{doc: metadata.Metadata{Title: "Late delivery"}}).
		Dispute(ctx, 11)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if view.Metadata.Title != "Late delivery" || view.Metadata.Description != "No description provided." {
		t.Fatalf("unexpected metadata: %+v", view.Metadata)
	}

	if _, err := newTestService(reg, secret.NewMemoryStore()).Dispute(ctx, 99); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestNoAccount(t *testing.T) {
	reg := newFakeRegistry()
	reg.setStatus(1, registry.StatusCommit)
	svc := NewService(reg, secret.NewMemoryStore(), staticAccount(common.Address{}))
	if _, err := svc.Commit(context.Background(), 1, 1); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount got %v", err)
	}
	if _, err := svc.CreateDispute(context.Background(), registry.CreateParams{Defendant: voterAddr}); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount got %v", err)
	}
}

func TestCreateDispute(t *testing.T) {
	reg := newFakeRegistry()
	svc := newTestService(reg, secret.NewMemoryStore())
	if _, err := svc.CreateDispute(context.Background(), registry.CreateParams{Defendant: voterAddr}); err == nil {
		t.Fatal("expected error when suing yourself")
	}
	res, err := svc.CreateDispute(context.Background(), registry.CreateParams{Defendant: common.HexToAddress("0x02"), Category: "General"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.TxHash == (common.Hash{}) || reg.submissions[0] != "create" {
		t.Fatalf("unexpected result %+v submissions %v", res, reg.submissions)
	}
}
