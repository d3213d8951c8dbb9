// Package attestation is the client side of the attestation service that
// consumes the keybox. The service itself is external; keyboxd only asks
// it to reload and whether it has a usable keybox.
package attestation

import (
	"context"
	"errors"
)

// Errors returned by service clients.
var (
	ErrNoService    = errors.New("attestation: no service configured")
	ErrReloadFailed = errors.New("attestation: reload failed")
)

// Service is the contract keyboxd needs from the attestation service.
// Both calls are idempotent and safe to repeat.
type Service interface {
	// ReloadKeybox makes the service re-read the canonical keybox file.
	ReloadKeybox(ctx context.Context) error

	// IsKeyboxAvailable reports whether the service currently holds a
	// usable keybox. Transport failures count as unavailable.
	IsKeyboxAvailable(ctx context.Context) bool
}

// Pinger is implemented by services that can report reachability
// separately from keybox availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// None is a Service for hosts without an attestation service. Reload
// always fails and no keybox is ever available.
type None struct{}

// ReloadKeybox implements Service.
func (None) ReloadKeybox(context.Context) error {
	return ErrNoService
}

// IsKeyboxAvailable implements Service.
func (None) IsKeyboxAvailable(context.Context) bool {
	return false
}

// Ping implements Pinger.
func (None) Ping(context.Context) error {
	return ErrNoService
}
