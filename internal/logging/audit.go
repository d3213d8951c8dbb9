package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventOverride     AuditEventType = "override"
	AuditEventImport       AuditEventType = "keybox_import"
	AuditEventReload       AuditEventType = "keybox_reload"
	AuditEventFileChange   AuditEventType = "keybox_file_change"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventPermission   AuditEventType = "permission"
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
)

// Audit results.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditDenied  = "denied"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"`
	Details   map[string]interface{} `json:"details,omitempty"`
	PeerUID   *uint32                `json:"peer_uid,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// Writer overrides FilePath when set.
	Writer io.Writer
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(defaultLogDir(), "audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "keyboxd",
	}
}

// AuditLogger records override transitions, keybox imports and reloads
// as JSON lines.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	out     io.Writer
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	a := &AuditLogger{config: cfg}
	if cfg.Writer != nil {
		a.out = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.out = rotator
	return a, nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = AuditSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

func resultOf(err error) (string, string) {
	if err != nil {
		return AuditFailure, err.Error()
	}
	return AuditSuccess, ""
}

// LogOverride records a change of the override state.
func (a *AuditLogger) LogOverride(ctx context.Context, from, to string, err error, details map[string]interface{}) error {
	result, msg := resultOf(err)
	if details == nil {
		details = make(map[string]interface{})
	}
	details["from"] = from
	details["to"] = to
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventOverride,
		Action:    "override_changed",
		Result:    result,
		Error:     msg,
		Details:   details,
	})
}

// LogImport records a keybox import attempt.
func (a *AuditLogger) LogImport(ctx context.Context, path string, err error, details map[string]interface{}) error {
	result, msg := resultOf(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventImport,
		Action:    "keybox_imported",
		Resource:  path,
		Result:    result,
		Error:     msg,
		Details:   details,
	})
}

// LogReload records a reload request to the attestation service.
func (a *AuditLogger) LogReload(ctx context.Context, err error) error {
	result, msg := resultOf(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventReload,
		Action:    "keybox_reload_requested",
		Result:    result,
		Error:     msg,
	})
}

// LogFileChange records an out-of-band change to the keybox file.
func (a *AuditLogger) LogFileChange(ctx context.Context, path, op, sha256 string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFileChange,
		Action:    op,
		Resource:  path,
		Details: map[string]interface{}{
			"sha256": sha256,
		},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogDenied records a request refused for lack of permission.
func (a *AuditLogger) LogDenied(ctx context.Context, operation string, uid uint32) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPermission,
		Action:    operation,
		Result:    AuditDenied,
		PeerUID:   &uid,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Rotate rotates the audit file. Loggers built on a Writer have nothing to
// rotate.
func (a *AuditLogger) Rotate() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Rotate()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
