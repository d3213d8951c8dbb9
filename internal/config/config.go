// Package config handles configuration loading, validation, and management for keyboxd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Flag keys used by the attestation service to decide whether and how to
// substitute the attestation chain.
const (
	DefaultSpoofEnabledKey = "persist.sys.pihooks.enable.key_attestation_spoof"
	DefaultUseXMLKey       = "persist.sys.pihooks.key_attestation_use_xml"
)

// KeyboxFileName is the canonical keybox file name inside the data directory.
const KeyboxFileName = "user_keybox.xml"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Keybox configures the canonical keybox file and the import pipeline.
	Keybox KeyboxConfig `toml:"keybox" json:"keybox" yaml:"keybox"`

	// Flags configures the persistent override flag store.
	Flags FlagsConfig `toml:"flags" json:"flags" yaml:"flags"`

	// Attestation configures how the attestation service is reached.
	Attestation AttestationConfig `toml:"attestation" json:"attestation" yaml:"attestation"`

	// Watch configures monitoring of the keybox file for outside changes.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// KeyboxConfig holds keybox file and import settings.
type KeyboxConfig struct {
	// Path is the canonical keybox path read by the attestation service.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxSizeBytes rejects imports larger than this.
	MaxSizeBytes int64 `toml:"max_size_bytes" json:"max_size_bytes" yaml:"max_size_bytes"`

	// FileMode is the octal permission of the installed file (e.g. "0600").
	FileMode string `toml:"file_mode" json:"file_mode" yaml:"file_mode"`

	// ReloadTimeoutSec bounds the reload call after install. 0 disables the bound.
	ReloadTimeoutSec int `toml:"reload_timeout_sec" json:"reload_timeout_sec" yaml:"reload_timeout_sec"`

	// LockTimeoutSec bounds the wait for the cross-process import lock.
	LockTimeoutSec int `toml:"lock_timeout_sec" json:"lock_timeout_sec" yaml:"lock_timeout_sec"`
}

// FlagsConfig holds flag store configuration.
type FlagsConfig struct {
	// Backend is "sqlite", "propfile" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the database or property file path.
	Path string `toml:"path" json:"path" yaml:"path"`

	// ReadOnly opens the store without write access.
	ReadOnly bool `toml:"read_only" json:"read_only" yaml:"read_only"`

	// BusyTimeoutMs is the sqlite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// SpoofEnabledKey names the spoof-enabled flag.
	SpoofEnabledKey string `toml:"spoof_enabled_key" json:"spoof_enabled_key" yaml:"spoof_enabled_key"`

	// UseXMLKey names the source-mode flag; true selects the XML keybox.
	UseXMLKey string `toml:"use_xml_key" json:"use_xml_key" yaml:"use_xml_key"`
}

// AttestationConfig holds attestation service client configuration.
type AttestationConfig struct {
	// Backend is "dbus" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Bus is "system" or "session".
	Bus string `toml:"bus" json:"bus" yaml:"bus"`

	// ServiceName is the well-known bus name of the service.
	ServiceName string `toml:"service_name" json:"service_name" yaml:"service_name"`

	// ObjectPath is the object exposing the keybox methods.
	ObjectPath string `toml:"object_path" json:"object_path" yaml:"object_path"`

	// Interface is the D-Bus interface name.
	Interface string `toml:"interface" json:"interface" yaml:"interface"`

	// CallTimeoutSec bounds each call to the service.
	CallTimeoutSec int `toml:"call_timeout_sec" json:"call_timeout_sec" yaml:"call_timeout_sec"`
}

// WatchConfig holds keybox file watching configuration.
type WatchConfig struct {
	// Enabled turns on the keybox file watcher.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceMs is the quiet period before a change is reported.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditEnabled turns on the JSON-lines audit log.
	AuditEnabled bool `toml:"audit_enabled" json:"audit_enabled" yaml:"audit_enabled"`

	// AuditPath is the audit log location.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0660").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the idle connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// WriteUIDs may change state in addition to root and the daemon user.
	WriteUIDs []uint32 `toml:"write_uids" json:"write_uids" yaml:"write_uids"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Keybox: KeyboxConfig{
			Path:             filepath.Join(dir, KeyboxFileName),
			MaxSizeBytes:     1 << 20,
			FileMode:         "0600",
			ReloadTimeoutSec: 10,
			LockTimeoutSec:   5,
		},
		Flags: FlagsConfig{
			Backend:         "sqlite",
			Path:            filepath.Join(dir, "flags.db"),
			BusyTimeoutMs:   5000,
			SpoofEnabledKey: DefaultSpoofEnabledKey,
			UseXMLKey:       DefaultUseXMLKey,
		},
		Attestation: AttestationConfig{
			Backend:        "dbus",
			Bus:            "system",
			ServiceName:    "org.keyboxd.Attestation",
			ObjectPath:     "/org/keyboxd/Attestation",
			Interface:      "org.keyboxd.Attestation",
			CallTimeoutSec: 5,
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 500,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "text",
			Output:       "stderr",
			FilePath:     filepath.Join(PlatformLogDir(), "keyboxd.log"),
			MaxSizeMB:    20,
			MaxBackups:   5,
			MaxAgeDays:   30,
			Compress:     true,
			AuditEnabled: true,
			AuditPath:    filepath.Join(PlatformLogDir(), "audit.log"),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     GetDefaultPaths().SocketPath,
			Permissions:    "0660",
			MaxConnections: 16,
			TimeoutSec:     300,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "keyboxd.toml")
}

// Load reads configuration from the specified path and applies
// environment overrides. A missing file yields the defaults.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Keybox.Path),
		filepath.Dir(c.Flags.Path),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditEnabled {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base keyboxd data directory.
// KEYBOXD_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("KEYBOXD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYBOXD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KEYBOXD_KEYBOX_PATH"); v != "" {
		c.Keybox.Path = v
	}

	if v := os.Getenv("KEYBOXD_FLAGS_BACKEND"); v != "" {
		c.Flags.Backend = v
	}
	if v := os.Getenv("KEYBOXD_FLAGS_PATH"); v != "" {
		c.Flags.Path = v
	}

	if v := os.Getenv("KEYBOXD_ATTESTATION_BACKEND"); v != "" {
		c.Attestation.Backend = v
	}
	if v := os.Getenv("KEYBOXD_ATTESTATION_BUS"); v != "" {
		c.Attestation.Bus = v
	}

	if v := os.Getenv("KEYBOXD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYBOXD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("KEYBOXD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.IPC.WriteUIDs = append([]uint32(nil), c.IPC.WriteUIDs...)
	return &clone
}

// KeyboxFileMode parses Keybox.FileMode.
func (c *Config) KeyboxFileMode() (os.FileMode, error) {
	return parseMode(c.Keybox.FileMode)
}

// SocketFileMode parses IPC.Permissions.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	return parseMode(c.IPC.Permissions)
}

// ReloadTimeout returns the reload bound as a duration.
func (c *Config) ReloadTimeout() time.Duration {
	return time.Duration(c.Keybox.ReloadTimeoutSec) * time.Second
}

// LockTimeout returns the import lock wait as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Keybox.LockTimeoutSec) * time.Second
}

// CallTimeout returns the attestation call bound as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Attestation.CallTimeoutSec) * time.Second
}

// BusyTimeout returns the sqlite lock wait as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Flags.BusyTimeoutMs) * time.Millisecond
}

// Debounce returns the watcher quiet period.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// IPCTimeout returns the idle connection timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	return os.FileMode(v).Perm(), nil
}
