package ipc

import (
	"errors"
	"fmt"

	"keyboxd/internal/attestation"
	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
)

// Client-side errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrPermissionDenied = errors.New("permission denied")
)

// RemoteError is a daemon error with no richer local type.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// remoteCause carries the daemon's message as the wrapped error of a
// rebuilt typed error.
type remoteCause string

func (e remoteCause) Error() string { return string(e) }

// errorResponseFor maps a local error onto the wire form.
func errorResponseFor(err error) *ErrorResponse {
	var (
		we *flags.WriteError
		ie *keybox.ImportError
	)
	switch {
	case errors.As(err, &ie):
		resp := &ErrorResponse{Code: CodeImportFailed, Kind: ie.Kind.String(), Message: err.Error()}
		if ie.Err != nil {
			resp.Message = ie.Err.Error()
		}
		return resp
	case errors.As(err, &we):
		return &ErrorResponse{Code: CodeWriteFailed, Key: we.Key, Message: we.Err.Error()}
	case errors.Is(err, attestation.ErrReloadFailed), errors.Is(err, attestation.ErrNoService):
		return &ErrorResponse{Code: CodeReloadFailed, Message: err.Error()}
	case errors.Is(err, flags.ErrInvalidValue):
		return &ErrorResponse{Code: CodeReadFailed, Message: err.Error()}
	default:
		return &ErrorResponse{Code: CodeInternalError, Message: err.Error()}
	}
}

// Err rebuilds the typed error an ErrorResponse describes.
func (e *ErrorResponse) Err() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case CodeImportFailed:
		kind, ok := keybox.ParseKind(e.Kind)
		if !ok {
			break
		}
		var cause error
		if e.Message != "" {
			cause = remoteCause(e.Message)
		}
		return keybox.NewImportError(kind, cause)
	case CodeWriteFailed:
		return &flags.WriteError{Key: e.Key, Err: remoteCause(e.Message)}
	case CodeReloadFailed:
		return fmt.Errorf("%w: %s", attestation.ErrReloadFailed, e.Message)
	case CodeReadFailed:
		return fmt.Errorf("%w: %s", flags.ErrInvalidValue, e.Message)
	case CodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, e.Message)
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}
