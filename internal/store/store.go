// Package store persists the budget ledger. Every backend loads and saves
// the ledger as a whole record and never leaves a partially written one.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/model"
)

var (
	// ErrNotFound is returned by Load when no ledger has been persisted yet.
	ErrNotFound = errors.New("budget meter not found")
	// ErrCorrupt is returned by Load when a persisted ledger cannot be decoded.
	ErrCorrupt = errors.New("budget meter is corrupt")
)

// Store loads and saves the ledger record.
type Store interface {
	Load(ctx context.Context) (model.Ledger, error)
	Save(ctx context.Context, l model.Ledger) error
	Close() error
}

// Locker is implemented by stores that can exclude other processes for the
// duration of a load-check-commit-save cycle. The returned func releases the
// lock.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// Open returns the backend named kind at path.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", config.StoreJSON:
		return NewFileStore(path), nil
	case config.StoreSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", kind, config.StoreJSON, config.StoreSQLite)
	}
}
