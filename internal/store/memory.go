package store

import (
	"context"
	"sync"

	"github.com/frost-solutions/nightmeter/internal/model"
)

// MemoryStore keeps the ledger in process memory. All data is lost when the
// process exits; it backs tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	ledger *model.Ledger
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored ledger or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context) (model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ledger == nil {
		return model.Ledger{}, ErrNotFound
	}
	return s.ledger.Clone(), nil
}

// Save stores a copy of l.
func (s *MemoryStore) Save(_ context.Context, l model.Ledger) error {
	c := l.Clone()

	s.mu.Lock()
	s.ledger = &c
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
