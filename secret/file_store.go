package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"
	"github.com/holiman/uint256"
)

const (
	secretFilePerm = 0600
	secretDirPerm  = 0700
	fileVersion    = 1
)

// FileStore keeps every secret in a single JSON document on local disk.
// Each write re-reads the document under an exclusive lock on path+".lock",
// changes one key, then replaces the file through a temp file and rename.
// Separate processes sharing the file therefore never drop each other's keys.
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
	now  func() time.Time
}

type fileDocument struct {
	Version int                  `json:"version"`
	Secrets map[string]fileEntry `json:"secrets"`
}

type fileEntry struct {
	Vote       uint8     `json:"vote"`
	Salt       string    `json:"salt"`
	Commitment string    `json:"commitment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// lockRetry is how often a blocked writer retries the file lock.
const lockRetry = 20 * time.Millisecond

// OpenFileStore checks that path is readable, creating nothing until the
// first Save.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("secret: empty file store path")
	}
	fs := &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
	if _, err := fs.read(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) Save(ctx context.Context, key Key, s VoteSecret) error {
	if err := validate(s); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.now()
	}
	entry := fileEntry{
		Vote:      s.Vote,
		Salt:      s.Salt.Dec(),
		CreatedAt: s.CreatedAt.UTC(),
	}
	if s.Commitment != (common.Hash{}) {
		entry.Commitment = s.Commitment.Hex()
	}

	return f.update(ctx, func(entries map[string]fileEntry) bool {
		entries[key.String()] = entry
		return true
	})
}

func (f *FileStore) Load(ctx context.Context, key Key) (VoteSecret, error) {
	entries, err := f.read()
	if err != nil {
		return VoteSecret{}, err
	}
	entry, ok := entries[key.String()]
	if !ok {
		return VoteSecret{}, ErrNotFound
	}

	salt, err := uint256.FromDecimal(entry.Salt)
	if err != nil {
		return VoteSecret{}, fmt.Errorf("secret: decode salt for %s: %w", key, err)
	}
	out := VoteSecret{
		Vote:      entry.Vote,
		Salt:      salt,
		CreatedAt: entry.CreatedAt,
	}
	if entry.Commitment != "" {
		out.Commitment = common.HexToHash(entry.Commitment)
	}
	return out, nil
}

func (f *FileStore) Delete(ctx context.Context, key Key) error {
	return f.update(ctx, func(entries map[string]fileEntry) bool {
		if _, ok := entries[key.String()]; !ok {
			return false
		}
		delete(entries, key.String())
		return true
	})
}

// update runs change on the current document while holding both the
// in-process mutex and the file lock. change reports whether to write.
func (f *FileStore) update(ctx context.Context, change func(map[string]fileEntry) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), secretDirPerm); err != nil {
		return fmt.Errorf("secret: create store directory: %w", err)
	}
	locked, err := f.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("secret: lock file store: %w", err)
	}
	if !locked {
		return fmt.Errorf("secret: lock file store: %s is held", f.lock.Path())
	}
	defer f.lock.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	if !change(entries) {
		return nil
	}
	return f.flush(entries)
}

// read returns the document on disk; a missing file is an empty store.
func (f *FileStore) read() (map[string]fileEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]fileEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("secret: read file store: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("secret: parse file store: %w", err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("secret: unsupported file store version %d", doc.Version)
	}
	if doc.Secrets == nil {
		doc.Secrets = make(map[string]fileEntry)
	}
	return doc.Secrets, nil
}

// flush must be called with the file lock held.
func (f *FileStore) flush(entries map[string]fileEntry) error {
	dir := filepath.Dir(f.path)
	data, err := json.MarshalIndent(fileDocument{Version: fileVersion, Secrets: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("secret: marshal file store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("secret: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(secretFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secret: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("secret: replace file store: %w", err)
	}
	return nil
}
