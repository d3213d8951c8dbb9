//go:build windows

package security

import (
	"errors"
	"os"
	"syscall"
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2
	errorLockViolation      = syscall.Errno(33)
)

// tryLockFile attempts a non-blocking exclusive LockFileEx.
func tryLockFile(f *os.File) (bool, error) {
	var overlapped syscall.Overlapped
	err := syscall.LockFileEx(
		syscall.Handle(f.Fd()),
		lockfileExclusiveLock|lockfileFailImmediately,
		0,
		1,
		0,
		&overlapped,
	)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errorLockViolation) {
		return false, nil
	}
	return false, err
}

// unlockFile releases the lock on a file.
func unlockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}

// syncDir is a no-op; NTFS renames are journaled.
func syncDir(string) error {
	return nil
}
