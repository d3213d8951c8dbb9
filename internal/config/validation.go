package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"keyboxd/internal/security"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

var octalMode = regexp.MustCompile(`^0?[0-7]{3}$`)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateKeybox(&c.Keybox)...)
	errs = append(errs, validateFlags(&c.Flags)...)
	errs = append(errs, validateAttestation(&c.Attestation)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateKeybox(k *KeyboxConfig) ValidationErrors {
	var errs ValidationErrors

	if k.Path == "" {
		errs = append(errs, *RequiredFieldError("keybox.path"))
	} else if !filepath.IsAbs(k.Path) {
		errs = append(errs, ValidationError{
			Field:   "keybox.path",
			Message: fmt.Sprintf("path must be absolute: %s", k.Path),
		})
	} else if _, err := security.DefaultPathValidator().ValidatePath(k.Path); err != nil {
		errs = append(errs, ValidationError{
			Field:   "keybox.path",
			Message: err.Error(),
		})
	}

	if k.MaxSizeBytes < 1 || k.MaxSizeBytes > 64<<20 {
		errs = append(errs, *RangeError("keybox.max_size_bytes", 1, 64<<20))
	}

	if !octalMode.MatchString(k.FileMode) {
		errs = append(errs, ValidationError{
			Field:   "keybox.file_mode",
			Message: fmt.Sprintf("invalid file mode: %s (expected octal like 0600)", k.FileMode),
		})
	}

	if k.ReloadTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "keybox.reload_timeout_sec",
			Message: "reload timeout cannot be negative",
		})
	}

	if k.LockTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "keybox.lock_timeout_sec",
			Message: "lock timeout must be at least 1 second",
		})
	}

	return errs
}

func validateFlags(f *FlagsConfig) ValidationErrors {
	var errs ValidationErrors

	switch f.Backend {
	case "sqlite", "propfile":
		if f.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "flags.path",
				Message: fmt.Sprintf("path is required for backend %s", f.Backend),
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "flags.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: sqlite, propfile, memory)", f.Backend),
		})
	}

	if f.SpoofEnabledKey == "" {
		errs = append(errs, *RequiredFieldError("flags.spoof_enabled_key"))
	}
	if f.UseXMLKey == "" {
		errs = append(errs, *RequiredFieldError("flags.use_xml_key"))
	}
	if f.SpoofEnabledKey != "" && f.SpoofEnabledKey == f.UseXMLKey {
		errs = append(errs, ValidationError{
			Field:   "flags.use_xml_key",
			Message: "must differ from spoof_enabled_key",
		})
	}

	if f.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "flags.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateAttestation(a *AttestationConfig) ValidationErrors {
	var errs ValidationErrors

	switch a.Backend {
	case "none":
		return errs
	case "dbus":
	default:
		errs = append(errs, ValidationError{
			Field:   "attestation.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: dbus, none)", a.Backend),
		})
		return errs
	}

	switch a.Bus {
	case "system", "session":
	default:
		errs = append(errs, ValidationError{
			Field:   "attestation.bus",
			Message: fmt.Sprintf("invalid bus: %s (valid: system, session)", a.Bus),
		})
	}

	if a.ServiceName == "" {
		errs = append(errs, *RequiredFieldError("attestation.service_name"))
	}
	if !strings.HasPrefix(a.ObjectPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "attestation.object_path",
			Message: fmt.Sprintf("object path must start with '/': %q", a.ObjectPath),
		})
	}
	if a.Interface == "" {
		errs = append(errs, *RequiredFieldError("attestation.interface"))
	}

	if a.CallTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "attestation.call_timeout_sec",
			Message: "call timeout must be at least 1 second",
		})
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if w.Enabled && w.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	if l.AuditEnabled && l.AuditPath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.audit_path",
			Message: "audit path is required when the audit log is enabled",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !octalMode.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
