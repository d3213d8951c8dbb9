package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for files only the owner may read.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories holding secret files.
	PermSecretDir os.FileMode = 0700

	// PermPublicFile is the permission for files other local processes read.
	PermPublicFile os.FileMode = 0644
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: staging file creation failed")
	ErrWriterClosed        = errors.New("security: writer already committed or aborted")

	// ErrNotDurable is returned by Commit when the target was replaced
	// but the directory entry could not be flushed. The new content is in
	// place; only its survival across a power loss is in doubt.
	ErrNotDurable = errors.New("security: target replaced but directory sync failed")
)

// AtomicWriter stages writes in a sibling file and moves it onto the
// target path with a single rename. Readers of the target path observe
// either the previous complete file or the new complete file.
type AtomicWriter struct {
	path        string
	perm        os.FileMode
	stage       *os.File
	stagePath   string
	written     int64
	closed      bool
	syncParents bool
	syncDir     func(dir string) error
}

// NewAtomicWriter creates a staging file next to path. The staging file
// lives in the same directory so the final rename never crosses a
// filesystem boundary.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	validator := DefaultPathValidator()
	cleanPath, err := validator.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	stagePath := StagingPath(cleanPath)
	stage, err := os.OpenFile(stagePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicWriter{
		path:        cleanPath,
		perm:        perm,
		stage:       stage,
		stagePath:   stagePath,
		syncParents: true,
		syncDir:     syncDir,
	}, nil
}

// StagingPath returns a fresh staging file name for target.
func StagingPath(target string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, "."+base+".stage."+randomSuffix())
}

// IsStagingFile reports whether name looks like a staging file for target.
func IsStagingFile(target, name string) bool {
	prefix := "." + filepath.Base(target) + ".stage."
	base := filepath.Base(name)
	return len(base) > len(prefix) && base[:len(prefix)] == prefix
}

// Path returns the target path the writer commits to.
func (w *AtomicWriter) Path() string {
	return w.path
}

// StagePath returns the path of the staging file.
func (w *AtomicWriter) StagePath() string {
	return w.stagePath
}

// Written returns the number of bytes written to the staging file so far.
func (w *AtomicWriter) Written() int64 {
	return w.written
}

// Write writes data to the staging file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	n, err := w.stage.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit flushes the staging file to stable storage and renames it onto
// the target path. On failure before the rename the staging file is
// removed and the target is left as it was. A failure after the rename
// wraps ErrNotDurable.
func (w *AtomicWriter) Commit() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if err := w.stage.Chmod(w.perm); err != nil && runtime.GOOS != "windows" {
		w.stage.Close()
		os.Remove(w.stagePath)
		return fmt.Errorf("chmod: %w", err)
	}

	if err := w.stage.Sync(); err != nil {
		w.stage.Close()
		os.Remove(w.stagePath)
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.stage.Close(); err != nil {
		os.Remove(w.stagePath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.stagePath, w.path); err != nil {
		os.Remove(w.stagePath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	// The rename is only durable once the directory entry is.
	if w.syncParents {
		if err := w.syncDir(filepath.Dir(w.path)); err != nil {
			return fmt.Errorf("%w: %v", ErrNotDurable, err)
		}
	}

	return nil
}

// Abort discards the staging file. It is safe to call after Commit.
func (w *AtomicWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.stage.Close()
	os.Remove(w.stagePath)
}

// randomSuffix generates a random suffix for staging files.
func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic writes data to path through an AtomicWriter.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}

	return w.Commit()
}

// RemoveStaleStaging deletes staging files for target left behind by a
// process that died between create and rename.
func RemoveStaleStaging(target string) ([]string, error) {
	dir := filepath.Dir(target)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !IsStagingFile(target, e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// VerifyFilePermissions checks if a file has the expected permissions.
func VerifyFilePermissions(path string, expectedPerm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode().Perm()
	if mode != expectedPerm {
		return fmt.Errorf("%w: file %s has mode %04o, expected %04o",
			ErrInsecurePermissions, path, mode, expectedPerm)
	}

	return nil
}
