//go:build unix

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Lock takes an exclusive flock(2) on <path>.lock, retrying until ctx is
// done. The kernel drops the lock when its holder exits, so a crashed run
// leaves only an unlocked file behind and nothing ever deletes a lock.
func (s *FileStore) Lock(ctx context.Context) (func() error, error) {
	lockPath, err := s.lockFile()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // derived from the ledger path
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", lockPath, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("acquiring %s: %w", lockPath, err)
		}
		if err := waitLock(ctx, lockPath); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	// Holder pid, for whoever inspects a lock that seems stuck.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		if err := errors.Join(unlockErr, closeErr); err != nil {
			return fmt.Errorf("releasing %s: %w", lockPath, err)
		}
		return nil
	}, nil
}
