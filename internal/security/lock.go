package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockTimeout is returned when a lock could not be taken before the
// context expired.
var ErrLockTimeout = errors.New("security: lock not acquired")

const lockPollInterval = 20 * time.Millisecond

// FileLock is an advisory exclusive lock held on a lock file. It
// serializes writers across processes; readers are not expected to take it.
type FileLock struct {
	f    *os.File
	path string
}

// LockPath returns the lock file used to guard target.
func LockPath(target string) string {
	return target + ".lock"
}

// AcquireLock takes an exclusive advisory lock on path, creating the file
// if needed. It polls until the lock is free or ctx is done.
func AcquireLock(ctx context.Context, path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return &FileLock{f: f, path: path}, nil
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release drops the lock. The lock file itself is left in place.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
