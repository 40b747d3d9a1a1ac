package secret

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store backed by the vote_secrets table.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore creates a PostgreSQL-backed secret store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// Save upserts the whole row so a re-commit replaces vote, salt and
// commitment together.
func (r *PGStore) Save(ctx context.Context, key Key, s VoteSecret) error {
	if err := validate(s); err != nil {
		return err
	}
	disputeID, err := pgDisputeID(key)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}

	var commitment []byte
	if s.Commitment != (common.Hash{}) {
		commitment = s.Commitment.Bytes()
	}

	const upsertSQL = `
		INSERT INTO vote_secrets (registry_address, dispute_id, voter_address, vote, salt, commitment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (registry_address, dispute_id, voter_address) DO UPDATE
		SET vote = EXCLUDED.vote,
		    salt = EXCLUDED.salt,
		    commitment = EXCLUDED.commitment,
		    created_at = EXCLUDED.created_at,
		    updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, upsertSQL,
		addressColumn(key.Registry),
		disputeID,
		addressColumn(key.Voter),
		int16(s.Vote),
		s.Salt.Dec(),
		commitment,
		s.CreatedAt,
	); err != nil {
		return fmt.Errorf("secret: save %s: %w", key, err)
	}
	return nil
}

func (r *PGStore) Load(ctx context.Context, key Key) (VoteSecret, error) {
	disputeID, err := pgDisputeID(key)
	if err != nil {
		return VoteSecret{}, err
	}

	const selectSQL = `
		SELECT vote, salt, commitment, created_at
		FROM vote_secrets
		WHERE registry_address = $1 AND dispute_id = $2 AND voter_address = $3
	`
	var (
		vote       int16
		saltText   string
		commitment []byte
		createdAt  time.Time
	)
	err = r.pool.QueryRow(ctx, selectSQL, addressColumn(key.Registry), disputeID, addressColumn(key.Voter)).
		Scan(&vote, &saltText, &commitment, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VoteSecret{}, ErrNotFound
		}
		return VoteSecret{}, fmt.Errorf("secret: load %s: %w", key, err)
	}

	salt, err := uint256.FromDecimal(saltText)
	if err != nil {
		return VoteSecret{}, fmt.Errorf("secret: decode salt for %s: %w", key, err)
	}
	return VoteSecret{
		Vote:       uint8(vote),
		Salt:       salt,
		Commitment: common.BytesToHash(commitment),
		CreatedAt:  createdAt,
	}, nil
}

func (r *PGStore) Delete(ctx context.Context, key Key) error {
	disputeID, err := pgDisputeID(key)
	if err != nil {
		return err
	}
	const deleteSQL = `
		DELETE FROM vote_secrets
		WHERE registry_address = $1 AND dispute_id = $2 AND voter_address = $3
	`
	if _, err := r.pool.Exec(ctx, deleteSQL, addressColumn(key.Registry), disputeID, addressColumn(key.Voter)); err != nil {
		return fmt.Errorf("secret: delete %s: %w", key, err)
	}
	return nil
}

func addressColumn(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func pgDisputeID(key Key) (int64, error) {
	if key.DisputeID > math.MaxInt64 {
		return 0, fmt.Errorf("secret: dispute id %d exceeds bigint range", key.DisputeID)
	}
	return int64(key.DisputeID), nil
}
