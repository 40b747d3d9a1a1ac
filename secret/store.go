// Package secret persists the vote and salt of every commitment so a juror can
// reveal after a restart. Backends never log the vote or the salt.
package secret

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"juryflow/commitment"
)

var (
	// ErrNotFound signals that no secret was saved for the key on this device.
	ErrNotFound = errors.New("secret: not found")
	// ErrInvalidSecret signals a secret that cannot be persisted.
	ErrInvalidSecret = errors.New("secret: invalid vote secret")
)

// Store maps a Key to the VoteSecret saved at commit time.
type Store interface {
	// Save writes through before returning and replaces any previous entry.
	Save(ctx context.Context, key Key, s VoteSecret) error
	// Load returns ErrNotFound when nothing was saved for key.
	Load(ctx context.Context, key Key) (VoteSecret, error)
	// Delete removes the entry; deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error
}

func validate(s VoteSecret) error {
	if err := commitment.ValidateVote(uint64(s.Vote)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if err := commitment.ValidateSalt(s.Salt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return nil
}

// MemoryStore keeps secrets in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]VoteSecret
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]VoteSecret),
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, key Key, s VoteSecret) error {
	if err := validate(s); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.Salt = s.Salt.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = s
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key Key) (VoteSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entries[key]
	if !ok {
		return VoteSecret{}, ErrNotFound
	}
	s.Salt = s.Salt.Clone()
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
