package oracles

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"

	"juryflow/commitment"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_vote_domain",
			SQL:  `SELECT registry_address, dispute_id, voter_address FROM vote_secrets WHERE vote NOT IN (0, 1)`,
		},
		{
			Name: "O2_salt_decimal",
			SQL:  `SELECT registry_address, dispute_id, voter_address FROM vote_secrets WHERE salt !~ '^[1-9][0-9]*$'`,
		},
		{
			Name: "O3_commitment_width",
			SQL:  `SELECT registry_address, dispute_id, voter_address FROM vote_secrets WHERE commitment IS NOT NULL AND octet_length(commitment) <> 32`,
		},
		{
			Name: "O4_address_canonical",
			SQL: `SELECT registry_address, dispute_id, voter_address FROM vote_secrets
                  WHERE registry_address !~ '^0x[0-9a-f]{40}$'
                     OR voter_address !~ '^0x[0-9a-f]{40}$'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return CommitmentsOpen(ctx, pool)
}

// CommitmentsOpen recomputes every stored commitment from its row's vote and
// salt. SQL cannot hash keccak, so this oracle runs in Go.
func CommitmentsOpen(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	const name = "O5_commitment_opens"
	rows, err := pool.Query(ctx, `SELECT dispute_id, voter_address, vote, salt, commitment FROM vote_secrets WHERE commitment IS NOT NULL`)
	if err != nil {
		return name, "", fmt.Errorf("oracle %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			disputeID int64
			voter     string
			vote      int16
			saltText  string
			stored    []byte
		)
		if err := rows.Scan(&disputeID, &voter, &vote, &saltText, &stored); err != nil {
			return name, "", err
		}
		salt, err := uint256.FromDecimal(saltText)
		if err != nil {
			return name, fmt.Sprintf("dispute=%d voter=%s salt=<unparseable>", disputeID, voter), nil
		}
		if commitment.Commit(uint8(vote), salt).Hex() != fmt.Sprintf("0x%x", stored) {
			return name, fmt.Sprintf("dispute=%d voter=%s", disputeID, voter), nil
		}
	}
	return "", "", rows.Err()
}
