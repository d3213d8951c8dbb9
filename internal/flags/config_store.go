package flags

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SourceMode selects where the attestation service takes its keybox from.
type SourceMode int

const (
	// ModeOverlay uses the built-in overlay keybox.
	ModeOverlay SourceMode = iota
	// ModeXML uses the imported XML keybox file.
	ModeXML
)

func (m SourceMode) String() string {
	switch m {
	case ModeXML:
		return "XML"
	default:
		return "Overlay"
	}
}

// ParseSourceMode accepts "overlay" or "xml" in any case.
func ParseSourceMode(s string) (SourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overlay":
		return ModeOverlay, nil
	case "xml":
		return ModeXML, nil
	default:
		return ModeOverlay, fmt.Errorf("unknown source mode %q (valid: overlay, xml)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m SourceMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SourceMode) UnmarshalText(b []byte) error {
	v, err := ParseSourceMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Keys names the two flags in the store.
type Keys struct {
	SpoofEnabled string
	UseXML       string
}

// DefaultKeys returns the property names the attestation service reads.
func DefaultKeys() Keys {
	return Keys{
		SpoofEnabled: "persist.sys.pihooks.enable.key_attestation_spoof",
		UseXML:       "persist.sys.pihooks.key_attestation_use_xml",
	}
}

// OverrideConfig is the persisted override state.
type OverrideConfig struct {
	SpoofEnabled bool       `json:"spoof_enabled"`
	SourceMode   SourceMode `json:"source_mode"`
}

// ConfigStore is the typed view of the override flags. All reads and
// writes of the two flags go through it.
type ConfigStore struct {
	store Store
	keys  Keys
}

// NewConfigStore wraps s. Zero-valued keys fall back to DefaultKeys.
func NewConfigStore(s Store, keys Keys) *ConfigStore {
	def := DefaultKeys()
	if keys.SpoofEnabled == "" {
		keys.SpoofEnabled = def.SpoofEnabled
	}
	if keys.UseXML == "" {
		keys.UseXML = def.UseXML
	}
	return &ConfigStore{store: s, keys: keys}
}

// Keys returns the flag names in use.
func (c *ConfigStore) Keys() Keys {
	return c.keys
}

// Store returns the underlying store.
func (c *ConfigStore) Store() Store {
	return c.store
}

func (c *ConfigStore) getBool(ctx context.Context, key string) (bool, error) {
	raw, err := c.store.Get(ctx, key, "false")
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw)
	}
	return v, nil
}

func (c *ConfigStore) setBool(ctx context.Context, key string, v bool) error {
	return c.store.Set(ctx, key, strconv.FormatBool(v))
}

// SpoofEnabled reports whether the override is on. Unset means false.
func (c *ConfigStore) SpoofEnabled(ctx context.Context) (bool, error) {
	return c.getBool(ctx, c.keys.SpoofEnabled)
}

// SourceMode reports the persisted source. Unset means Overlay.
func (c *ConfigStore) SourceMode(ctx context.Context) (SourceMode, error) {
	useXML, err := c.getBool(ctx, c.keys.UseXML)
	if err != nil {
		return ModeOverlay, err
	}
	if useXML {
		return ModeXML, nil
	}
	return ModeOverlay, nil
}

// Config reads both flags.
func (c *ConfigStore) Config(ctx context.Context) (OverrideConfig, error) {
	enabled, err := c.SpoofEnabled(ctx)
	if err != nil {
		return OverrideConfig{}, err
	}
	mode, err := c.SourceMode(ctx)
	if err != nil {
		return OverrideConfig{}, err
	}
	return OverrideConfig{SpoofEnabled: enabled, SourceMode: mode}, nil
}

// SetSpoofEnabled persists the spoof-enabled flag.
func (c *ConfigStore) SetSpoofEnabled(ctx context.Context, enabled bool) error {
	return c.setBool(ctx, c.keys.SpoofEnabled, enabled)
}

// SetSourceMode persists the source-mode flag.
func (c *ConfigStore) SetSourceMode(ctx context.Context, mode SourceMode) error {
	return c.setBool(ctx, c.keys.UseXML, mode == ModeXML)
}
