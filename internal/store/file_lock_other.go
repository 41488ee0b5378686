//go:build !unix

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Lock creates <path>.lock with O_EXCL, retrying until ctx is done, and
// removes it on release. A lock left by a crashed run is never broken
// automatically: the timeout error names the file to delete.
func (s *FileStore) Lock(ctx context.Context) (func() error, error) {
	lockPath, err := s.lockFile()
	if err != nil {
		return nil, err
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // derived from the ledger path
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			_ = f.Close()
			return func() error {
				if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("releasing %s: %w", lockPath, err)
				}
				return nil
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquiring %s: %w", lockPath, err)
		}
		if err := waitLock(ctx, lockPath); err != nil {
			return nil, err
		}
	}
}
