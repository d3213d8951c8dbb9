// Package flags persists the override flags the attestation service reads:
// whether spoofing is enabled and which keybox source it uses.
package flags

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by flag stores.
var (
	ErrReadOnly     = errors.New("flags: store is read-only")
	ErrClosed       = errors.New("flags: store is closed")
	ErrInvalidValue = errors.New("flags: invalid stored value")
	ErrUnknownStore = errors.New("flags: unknown backend")
)

// Store is a durable string key/value store. Set does not return until
// the value is on stable storage.
type Store interface {
	// Get returns the stored value or def if key is unset.
	Get(ctx context.Context, key, def string) (string, error)

	// Set stores value under key. Failures are *WriteError.
	Set(ctx context.Context, key, value string) error

	// Ping checks that the backing medium is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// WriteError reports a failed Set: the medium is unavailable or read-only.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("flags: write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Options selects and configures a backend.
type Options struct {
	// Backend is "sqlite", "propfile" or "memory".
	Backend string

	// Path is the database or property file.
	Path string

	// ReadOnly rejects every Set with ErrReadOnly.
	ReadOnly bool

	// BusyTimeout is the sqlite lock wait.
	BusyTimeout time.Duration
}

// Open opens the backend named in opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "sqlite":
		return OpenSQLite(opts.Path, opts.ReadOnly, opts.BusyTimeout)
	case "propfile":
		return OpenPropFile(opts.Path, opts.ReadOnly)
	case "memory":
		m := NewMemory()
		m.SetReadOnly(opts.ReadOnly)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, opts.Backend)
	}
}
