// Package attestationtest provides an in-memory attestation service for tests.
package attestationtest

import (
	"context"
	"os"
	"sync"
)

// Service is a scriptable attestation.Service. By default reloads succeed
// and a keybox is reported available after the first successful reload.
// A Service built with ForKeybox only reports a keybox when the file was
// present at the last successful reload, as the real service does.
type Service struct {
	mu sync.Mutex

	keyboxPath  string
	reloadErr   error
	available   *bool
	loaded      bool
	reloads     int
	checks      int
	onReload    func()
	reloadBlock chan struct{}
}

// New returns a Service with default behavior.
func New() *Service {
	return &Service{}
}

// ForKeybox returns a Service that loads the keybox at path on reload.
func ForKeybox(path string) *Service {
	return &Service{keyboxPath: path}
}

// FailReload makes every ReloadKeybox return err until cleared with nil.
func (s *Service) FailReload(err error) {
	s.mu.Lock()
	s.reloadErr = err
	s.mu.Unlock()
}

// SetAvailable pins the availability answer regardless of reloads.
func (s *Service) SetAvailable(v bool) {
	s.mu.Lock()
	s.available = &v
	s.mu.Unlock()
}

// ClearAvailable returns availability to following successful reloads.
func (s *Service) ClearAvailable() {
	s.mu.Lock()
	s.available = nil
	s.mu.Unlock()
}

// OnReload runs fn inside every ReloadKeybox call before it returns.
func (s *Service) OnReload(fn func()) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// BlockReload makes ReloadKeybox wait until release is closed or the
// caller's context ends.
func (s *Service) BlockReload(release chan struct{}) {
	s.mu.Lock()
	s.reloadBlock = release
	s.mu.Unlock()
}

// ReloadKeybox implements attestation.Service.
func (s *Service) ReloadKeybox(ctx context.Context) error {
	s.mu.Lock()
	s.reloads++
	block := s.reloadBlock
	fn := s.onReload
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fn != nil {
		fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadErr != nil {
		return s.reloadErr
	}
	s.loaded = s.keyboxPresent()
	return nil
}

func (s *Service) keyboxPresent() bool {
	if s.keyboxPath == "" {
		return true
	}
	fi, err := os.Stat(s.keyboxPath)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// IsKeyboxAvailable implements attestation.Service.
func (s *Service) IsKeyboxAvailable(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.available != nil {
		return *s.available
	}
	return s.loaded
}

// Ping implements attestation.Pinger.
func (s *Service) Ping(context.Context) error {
	return nil
}

// Reloads returns how many times ReloadKeybox was called.
func (s *Service) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// AvailabilityChecks returns how many times IsKeyboxAvailable was called.
func (s *Service) AvailabilityChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}
