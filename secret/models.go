package secret

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Key addresses exactly one vote secret. There is no way to enumerate keys.
type Key struct {
	Registry  common.Address
	DisputeID uint64
	Voter     common.Address
}

// String renders the key in the lower-case form used by the persistent backends.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s",
		strings.ToLower(k.Registry.Hex()),
		k.DisputeID,
		strings.ToLower(k.Voter.Hex()),
	)
}

// VoteSecret is what a juror must keep between commit and reveal.
// It deliberately has no String method so it is never formatted into logs.
type VoteSecret struct {
	Vote       uint8
	Salt       *uint256.Int
	Commitment common.Hash
	CreatedAt  time.Time
}
