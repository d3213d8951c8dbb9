package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// MaxDisplayNameLength bounds names shown in logs and status output.
const MaxDisplayNameLength = 255

// PathValidator checks paths keyboxd writes to: the keybox file, its lock
// and staging siblings, and the flag database.
type PathValidator struct {
	// AllowSymlinks keeps a symlinked final component as is instead of
	// resolving it to the file it points at.
	AllowSymlinks bool

	MaxPathLength int
}

// DefaultPathValidator resolves symlinks and caps paths at PATH_MAX.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the absolute, cleaned form of path. Unless
// AllowSymlinks is set, symlinks in the existing part of the path are
// resolved so a rename lands on the real file and not on the link.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	switch {
	case path == "":
		return "", ErrInvalidPath
	case strings.IndexByte(path, 0) >= 0:
		return "", ErrNullByte
	case v.MaxPathLength > 0 && len(path) > v.MaxPathLength:
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	case hasDotDot(path):
		return "", ErrPathTraversal
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if v.AllowSymlinks {
		return abs, nil
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrInvalidPath, abs, err)
	}

	// The file does not exist yet; resolve the directory it will live in.
	dir, base := filepath.Split(abs)
	realDir, err := filepath.EvalSymlinks(dir)
	switch {
	case err == nil:
		return filepath.Join(realDir, base), nil
	case os.IsNotExist(err):
		return abs, nil
	default:
		return "", fmt.Errorf("%w: resolve %s: %v", ErrInvalidPath, dir, err)
	}
}

// hasDotDot reports a ".." element in either its plain or URL-encoded form.
func hasDotDot(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(path), "%2e%2e")
}

// ValidateDisplayName checks the client-supplied name of an import source.
// The name is only a label for logs and events, so anything a Linux file
// name may hold is accepted except a path separator or control characters.
func ValidateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if len(name) > MaxDisplayNameLength {
		return fmt.Errorf("%w: name is %d bytes", ErrInputTooLong, len(name))
	}
	if strings.IndexByte(name, 0) >= 0 {
		return ErrNullByte
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name contains a path separator", ErrInvalidInput)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrControlCharacters
		}
	}
	return nil
}

// Keybox files carry private keys as PEM blocks inside <PrivateKey>
// elements; parse errors and debug output can echo fragments of them.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?is)(<PrivateKey\b[^>]*>).*?(</PrivateKey>|$)`), "${1}[PRIVATE KEY REDACTED]${2}"},
	{regexp.MustCompile(`(?s)-----BEGIN[\w\s]*PRIVATE KEY-----.*?(-----END[\w\s]*PRIVATE KEY-----|$)`), "[PRIVATE KEY REDACTED]"},
	{regexp.MustCompile(`(?i)(token|secret|password|private[_-]?key)([\s:=]+)["']?[\w\-./+=]{16,}["']?`), "${1}${2}[REDACTED]"},
}

// SanitizeLogOutput masks key material in s before it reaches a log.
func SanitizeLogOutput(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.with)
	}
	return s
}
