package keybox

import (
	"errors"
	"fmt"
)

// Kind classifies an import failure by how far the pipeline got.
type Kind int

const (
	// ReadFailed: the source could not be fully read. The canonical file
	// is untouched.
	ReadFailed Kind = iota + 1

	// InstallFailed: staging or rename failed. The canonical file is
	// untouched.
	InstallFailed

	// ReloadFailed: the file is installed but the service did not reload.
	ReloadFailed

	// NotRecognized: the file is installed and reloaded but the service
	// reports no usable keybox.
	NotRecognized
)

// Sentinels for errors.Is matching on kind.
var (
	ErrReadFailed    = errors.New("keybox: read failed")
	ErrInstallFailed = errors.New("keybox: install failed")
	ErrReloadFailed  = errors.New("keybox: reload failed")
	ErrNotRecognized = errors.New("keybox: not recognized")

	ErrEmpty     = errors.New("keybox: source is empty")
	ErrTooLarge  = errors.New("keybox: source exceeds size limit")
	ErrTruncated = errors.New("keybox: source size does not match expected size")
)

func (k Kind) String() string {
	switch k {
	case ReadFailed:
		return "read_failed"
	case InstallFailed:
		return "install_failed"
	case ReloadFailed:
		return "reload_failed"
	case NotRecognized:
		return "not_recognized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{ReadFailed, InstallFailed, ReloadFailed, NotRecognized} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) sentinel() error {
	switch k {
	case ReadFailed:
		return ErrReadFailed
	case InstallFailed:
		return ErrInstallFailed
	case ReloadFailed:
		return ErrReloadFailed
	case NotRecognized:
		return ErrNotRecognized
	default:
		return nil
	}
}

// Installed reports whether the canonical file was replaced before the
// failure happened.
func (k Kind) Installed() bool {
	return k == ReloadFailed || k == NotRecognized
}

// ImportError is returned by Importer.Import.
type ImportError struct {
	Kind Kind
	Err  error
}

// NewImportError builds an ImportError. err may be nil.
func NewImportError(kind Kind, err error) *ImportError {
	return &ImportError{Kind: kind, Err: err}
}

func (e *ImportError) Error() string {
	if e.Err == nil {
		return "keybox: import " + e.Kind.String()
	}
	return fmt.Sprintf("keybox: import %s: %v", e.Kind, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can write
// errors.Is(err, keybox.ErrReloadFailed).
func (e *ImportError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of an import error, or 0 if err is not one.
func KindOf(err error) Kind {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}
