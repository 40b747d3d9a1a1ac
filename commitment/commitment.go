// Package commitment implements the hiding commitments jurors publish during the
// commit phase and open during the reveal phase.
//
// A commitment is keccak256(uint256(vote) || uint256(salt)) with both words
// encoded big-endian, the same bytes Solidity produces for
// keccak256(abi.encodePacked(vote, salt)). No domain-separation prefix is
// added, so the scheme must not be reused for other message types on the same
// registry.
package commitment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// SaltBytes is the amount of entropy folded into every salt.
const SaltBytes = 31

const (
	VoteDefendant uint8 = 0
	VoteClaimant  uint8 = 1
)

var (
	ErrInvalidVote = errors.New("commitment: vote must be 0 (defendant) or 1 (claimant)")
	ErrInvalidSalt = errors.New("commitment: salt must be non-zero and fit in 248 bits")
)

// Generator draws salts and identity secrets from an entropy source.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator reading from r. A nil reader selects crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: r}
}

var defaultGenerator = NewGenerator(nil)

// GenerateSalt returns a fresh salt from crypto/rand.
func GenerateSalt() (*uint256.Int, error) {
	return defaultGenerator.Salt()
}

// GenerateIdentitySecret returns a fresh identity secret used for nullifiers.
func GenerateIdentitySecret() (*uint256.Int, error) {
	return defaultGenerator.Salt()
}

// Salt reads SaltBytes bytes and folds them in one at a time, so every byte
// contributes exactly eight bits with no modulo reduction.
func (g *Generator) Salt() (*uint256.Int, error) {
	var buf [SaltBytes]byte
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		return nil, fmt.Errorf("commitment: read entropy: %w", err)
	}

	v := new(uint256.Int)
	b := new(uint256.Int)
	for _, octet := range buf {
		v.Lsh(v, 8)
		v.Or(v, b.SetUint64(uint64(octet)))
	}
	// All-zero entropy means the source is broken, not unlucky.
	if v.IsZero() {
		return nil, fmt.Errorf("commitment: entropy source returned only zero bytes")
	}
	return v, nil
}

// Commit computes the commitment for vote and salt. It is deterministic and
// performs no validation; callers run ValidateVote and ValidateSalt first.
func Commit(vote uint8, salt *uint256.Int) common.Hash {
	voteWord := uint256.NewInt(uint64(vote)).Bytes32()
	saltWord := salt.Bytes32()
	return keccak(voteWord[:], saltWord[:])
}

// Verify reports whether (vote, salt) opens want.
func Verify(vote uint8, salt *uint256.Int, want common.Hash) bool {
	if salt == nil {
		return false
	}
	return Commit(vote, salt) == want
}

// Nullifier derives keccak256(uint256(identity) || uint256(salt) || uint64(proposalID)).
func Nullifier(identity, salt *uint256.Int, proposalID uint64) common.Hash {
	idWord := identity.Bytes32()
	saltWord := salt.Bytes32()
	var pid [8]byte
	binary.BigEndian.PutUint64(pid[:], proposalID)
	return keccak(idWord[:], saltWord[:], pid[:])
}

// ValidateVote checks that vote belongs to the binary ruling domain.
func ValidateVote(vote uint64) error {
	if vote != uint64(VoteDefendant) && vote != uint64(VoteClaimant) {
		return fmt.Errorf("%w: got %d", ErrInvalidVote, vote)
	}
	return nil
}

// ValidateSalt rejects nil, zero and oversized salts.
func ValidateSalt(salt *uint256.Int) error {
	if salt == nil || salt.IsZero() || salt.BitLen() > SaltBytes*8 {
		return ErrInvalidSalt
	}
	return nil
}

func keccak(parts ...[]byte) common.Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var h common.Hash
	d.Sum(h[:0])
	return h
}
