package voting

import (
	"github.com/ethereum/go-ethereum/common"

	"juryflow/lifecycle"
	"juryflow/metadata"
	"juryflow/registry"
)

// Result describes a confirmed transaction.
type Result struct {
	CorrelationID string
	TxHash        common.Hash
	// Commitment is set by Commit only.
	Commitment common.Hash
}

// DisputeView is a record joined with its display metadata and the actions
// open to the current account.
type DisputeView struct {
	Record         registry.Record
	Phase          lifecycle.Phase
	Metadata       metadata.Metadata
	HasLocalSecret bool
	Allowed        []lifecycle.Action
}
