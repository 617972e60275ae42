package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"vigil/internal/logging"
)

// Store is the persistence contract for the state document.
type Store interface {
	// Acquire takes the exclusive advisory lock on the document.
	Acquire(ctx context.Context) error
	// Release drops the lock. Safe to call when not held.
	Release() error
	// Load reads the document. The lock must be held.
	Load() (*Document, error)
	// Save writes the document atomically. The lock must be held.
	Save(doc *Document, now time.Time) error
}

// FileStore persists the document as a single JSON file guarded by an
// OS-level advisory lock on a sibling .lock file. The lock spans the whole
// tick so concurrent ticks block rather than interleave.
type FileStore struct {
	path   string
	lock   *flock.Flock
	logger logging.Logger
}

// NewFileStore creates a store for the document at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.NewComponentLogger("StateStore"),
	}
}

// Path returns the document location on disk.
func (s *FileStore) Path() string {
	return s.path
}

// Acquire blocks on the advisory lock until it is held or ctx is done.
func (s *FileStore) Acquire(ctx context.Context) error {
	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("state lock not acquired: %s", s.lock.Path())
	}
	return nil
}

// Release drops the advisory lock.
func (s *FileStore) Release() error {
	return s.lock.Unlock()
}

// Load reads and decodes the state document.
func (s *FileStore) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode state document %s: %w", s.path, err)
	}
	if doc.Actions.Executed == nil {
		doc.Actions.Executed = make(map[string]ReceiptSummary)
	}
	return &doc, nil
}

// Save writes the document via temp file + rename so readers never observe
// a torn write. Last writer wins.
func (s *FileStore) Save(doc *Document, now time.Time) error {
	doc.Meta.UpdatedAt = now
	if doc.Meta.SchemaVersion < SchemaVersion {
		doc.Meta.SchemaVersion = SchemaVersion
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state document: %w", err)
	}
	return nil
}

// Exists reports whether a document has been initialized at the path.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
