package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/frost-solutions/nightmeter/internal/model"
)

const lockRetry = 25 * time.Millisecond

// FileStore keeps the ledger as indented JSON, the format the Night Factory
// jobs have always written to reports/budget_meter.json.
type FileStore struct {
	path string
}

// NewFileStore returns a JSON store at path. Nothing is touched until the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the ledger. A missing file is ErrNotFound; undecodable content
// is ErrCorrupt so spend history is never silently discarded.
func (s *FileStore) Load(_ context.Context) (model.Ledger, error) {
	var l model.Ledger

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, ErrNotFound
		}
		return l, fmt.Errorf("reading %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, &l); err != nil {
		return model.Ledger{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	l.Normalize()
	return l, nil
}

// Save writes the ledger to a temp file next to the target and renames it
// into place.
func (s *FileStore) Save(_ context.Context, l model.Ledger) error {
	l.Normalize()
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding budget meter: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating meter dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp meter file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp meter file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp meter file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp meter file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op; the file is only open during Load and Save.
func (s *FileStore) Close() error {
	return nil
}

// lockFile returns <path>.lock, creating the ledger directory if needed.
func (s *FileStore) lockFile() (string, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return "", fmt.Errorf("creating meter dir: %w", err)
	}
	return s.path + ".lock", nil
}

func waitLock(ctx context.Context, lockPath string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", lockPath, ctx.Err())
	case <-time.After(lockRetry):
		return nil
	}
}
