package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"juryflow/commitment"
	"juryflow/secret"
)

// Stats counts what the actors did; connection drops from chaos show up as
// failures, never as errors.
type Stats struct {
	Saves    atomic.Int64
	Loads    atomic.Int64
	Deletes  atomic.Int64
	Failures atomic.Int64
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Committer re-commits random keys with fresh salts, as several tabs of the
// same juror would.
func Committer(ctx context.Context, store secret.Store, keys []secret.Key, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		key := keys[rng.Intn(len(keys))]
		vote := uint8(rng.Intn(2))
		salt, err := commitment.GenerateSalt()
		if err != nil {
			return fmt.Errorf("committer salt: %w", err)
		}
		s := secret.VoteSecret{Vote: vote, Salt: salt, Commitment: commitment.Commit(vote, salt)}
		if err := store.Save(ctx, key, s); err != nil {
			stats.Failures.Add(1)
		} else {
			stats.Saves.Add(1)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
}

// Revealer loads random keys and fails when a loaded secret does not open its
// own commitment, which is what a merged salt or vote would look like.
func Revealer(ctx context.Context, store secret.Store, keys []secret.Key, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		key := keys[rng.Intn(len(keys))]
		s, err := store.Load(ctx, key)
		switch {
		case errors.Is(err, secret.ErrNotFound):
		case err != nil:
			stats.Failures.Add(1)
		default:
			stats.Loads.Add(1)
			if !commitment.Verify(s.Vote, s.Salt, s.Commitment) {
				return fmt.Errorf("revealer: secret for %s does not open its commitment", key)
			}
		}
		time.Sleep(time.Duration(3+rng.Intn(10)) * time.Millisecond)
	}
}

// Pruner deletes random keys, as a client cleaning up finished disputes would.
func Pruner(ctx context.Context, store secret.Store, keys []secret.Key, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if err := store.Delete(ctx, keys[rng.Intn(len(keys))]); err != nil {
			stats.Failures.Add(1)
		} else {
			stats.Deletes.Add(1)
		}
		time.Sleep(time.Duration(100+rng.Intn(100)) * time.Millisecond)
	}
}
