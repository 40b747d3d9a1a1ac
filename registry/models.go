package registry

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"juryflow/lifecycle"
)

// Status is the raw uint8 status enum stored by the registry contract.
type Status uint8

const (
	StatusCreated Status = iota
	StatusAwaitingPayment
	StatusCommit
	StatusReveal
	StatusFinished
)

// Record mirrors the registry's dispute struct. It is read-only to this module.
type Record struct {
	ID              uint64
	Claimant        common.Address
	Defendant       common.Address
	Status          Status
	Category        string
	JurorsRequired  uint64
	RequiredStake   *big.Int
	PayDeadline     uint64
	CommitDeadline  uint64
	RevealDeadline  uint64
	MetadataPointer string
	// Winner is nil until the dispute is finished.
	Winner *common.Address
}

// Phase derives the lifecycle phase from the raw status.
func (r Record) Phase() lifecycle.Phase {
	return lifecycle.FromStatus(uint8(r.Status))
}

// DeadlineFor returns the deadline that closes phase, or the zero time when
// the phase has none.
func (r Record) DeadlineFor(phase lifecycle.Phase) time.Time {
	var secs uint64
	switch phase {
	case lifecycle.PhaseAwaitingPayment:
		secs = r.PayDeadline
	case lifecycle.PhaseCommit:
		secs = r.CommitDeadline
	case lifecycle.PhaseReveal:
		secs = r.RevealDeadline
	}
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

// CreateParams enumerates the inputs of a new dispute. Durations are rounded
// down to whole seconds.
type CreateParams struct {
	Defendant       common.Address
	Category        string
	MetadataPointer string
	JurorsRequired  uint64
	PayWindow       time.Duration
	CommitWindow    time.Duration
	RevealWindow    time.Duration
}

const (
	DefaultJurorsRequired = 3
	DefaultPhaseWindow    = time.Hour
)

// WithDefaults fills zero fields with the values the dApp has always used.
func (p CreateParams) WithDefaults() CreateParams {
	if p.JurorsRequired == 0 {
		p.JurorsRequired = DefaultJurorsRequired
	}
	if p.PayWindow == 0 {
		p.PayWindow = DefaultPhaseWindow
	}
	if p.CommitWindow == 0 {
		p.CommitWindow = DefaultPhaseWindow
	}
	if p.RevealWindow == 0 {
		p.RevealWindow = DefaultPhaseWindow
	}
	return p
}
