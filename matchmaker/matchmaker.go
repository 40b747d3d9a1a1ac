// Package matchmaker picks a dispute for a juror to join by scanning the
// registry for disputes that are still open.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"juryflow/batch"
	"juryflow/lifecycle"
	"juryflow/registry"
)

var (
	// ErrNoDisputesAvailable signals an empty registry.
	ErrNoDisputesAvailable = errors.New("matchmaker: no disputes available")
	// ErrNoMatchFound signals that no dispute is currently open.
	ErrNoMatchFound = errors.New("matchmaker: no open dispute found")
)

// Reader is the part of the registry the matchmaker reads.
type Reader interface {
	Count(ctx context.Context) (uint64, error)
	Get(ctx context.Context, id uint64) (registry.Record, error)
}

// ScanStats summarises one pass over the registry.
type ScanStats struct {
	Total   uint64
	Read    int
	Failed  int
	Batches int
}

type Matchmaker struct {
	reg       Reader
	pool      *batch.Pool
	openPhase lifecycle.Phase
	pick      func(n int) int
	logger    log.Logger
}

// New returns a matchmaker that treats disputes in lifecycle.PhaseCreated,
// the phase before payment, as joinable. Use WithOpenPhase to match on
// another phase, e.g. lifecycle.PhaseAwaitingPayment (raw status 1).
func New(reg Reader) *Matchmaker {
	return &Matchmaker{
		reg:       reg,
		pool:      batch.New(batch.DefaultSize, batch.DefaultPause),
		openPhase: lifecycle.PhaseCreated,
		pick:      rand.IntN,
		logger:    log.Root().New("module", "matchmaker"),
	}
}

// WithOpenPhase sets the phase a dispute must be in to count as joinable.
func (m *Matchmaker) WithOpenPhase(p lifecycle.Phase) *Matchmaker {
	m.openPhase = p
	return m
}

func (m *Matchmaker) WithPool(p *batch.Pool) *Matchmaker {
	if p != nil {
		m.pool = p
	}
	return m
}

// WithPicker replaces the uniform index picker. pick(n) must return a value in [0, n).
func (m *Matchmaker) WithPicker(pick func(n int) int) *Matchmaker {
	if pick != nil {
		m.pick = pick
	}
	return m
}

func (m *Matchmaker) WithLogger(l log.Logger) *Matchmaker {
	if l != nil {
		m.logger = l.New("module", "matchmaker")
	}
	return m
}

// FindOpen returns the id of a uniformly random open dispute.
func (m *Matchmaker) FindOpen(ctx context.Context) (uint64, error) {
	candidates, stats, err := m.Scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		m.logger.Info("No open dispute", "total", stats.Total, "failed", stats.Failed)
		return 0, ErrNoMatchFound
	}
	id := candidates[m.pick(len(candidates))]
	m.logger.Info("Matched dispute", "id", id, "candidates", len(candidates), "total", stats.Total)
	return id, nil
}

// Scan reads every dispute and returns the open ones in ascending id order.
// Reads that fail are logged and skipped. An empty registry returns
// ErrNoDisputesAvailable without reading any record.
func (m *Matchmaker) Scan(ctx context.Context) ([]uint64, ScanStats, error) {
	total, err := m.reg.Count(ctx)
	if err != nil {
		return nil, ScanStats{}, fmt.Errorf("matchmaker: count: %w", err)
	}
	stats := ScanStats{Total: total}
	if total == 0 {
		return nil, stats, ErrNoDisputesAvailable
	}
	if total > uint64(maxInt) {
		return nil, stats, fmt.Errorf("matchmaker: registry count %d too large", total)
	}

	var (
		mu         sync.Mutex
		candidates []uint64
	)
	n := int(total)
	stats.Batches = m.pool.Batches(n)
	err = m.pool.Run(ctx, n, func(ctx context.Context, i int) error {
		id := uint64(i)
		rec, err := m.reg.Get(ctx, id)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			stats.Failed++
			if errors.Is(err, registry.ErrNotFound) {
				m.logger.Debug("Dispute missing", "id", id)
			} else {
				m.logger.Warn("Dispute read failed", "id", id, "err", err)
			}
			return nil
		}
		stats.Read++
		if rec.Phase() == m.openPhase {
			candidates = append(candidates, id)
		}
		return nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, stats, err
	}
	slices.Sort(candidates)
	return candidates, stats, nil
}

const maxInt = int(^uint(0) >> 1)
