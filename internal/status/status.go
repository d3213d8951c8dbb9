// Package status composes the persisted override flags and the
// attestation service's availability into one snapshot.
package status

import (
	"context"
	"fmt"

	"keyboxd/internal/attestation"
	"keyboxd/internal/flags"
)

// Snapshot is a single observation of the override state. It is never
// cached; every call to Reporter.Snapshot builds a new one.
type Snapshot struct {
	// Mode is the source the service is expected to use: "XML" only when
	// XML is selected and a keybox is loaded, otherwise "Overlay".
	Mode         string `json:"mode"`
	Enabled      bool   `json:"enabled"`
	KeyboxLoaded bool   `json:"keybox_loaded"`
}

// Field is one labelled value for display.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Fields returns the snapshot as ordered display pairs.
func (s Snapshot) Fields() []Field {
	return []Field{
		{Label: "Mode", Value: s.Mode},
		{Label: "Enabled", Value: yesNo(s.Enabled)},
		{Label: "Keybox Loaded?", Value: yesNo(s.KeyboxLoaded)},
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("mode=%s enabled=%t keybox_loaded=%t", s.Mode, s.Enabled, s.KeyboxLoaded)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// EffectiveMode applies the service's precedence rule: XML is only in
// effect when it is selected and a keybox is available.
func EffectiveMode(selected flags.SourceMode, keyboxAvailable bool) flags.SourceMode {
	if selected == flags.ModeXML && keyboxAvailable {
		return flags.ModeXML
	}
	return flags.ModeOverlay
}

// Reporter builds snapshots. It has no side effects.
type Reporter struct {
	store   *flags.ConfigStore
	service attestation.Service
}

// NewReporter returns a Reporter over store and service.
func NewReporter(store *flags.ConfigStore, service attestation.Service) *Reporter {
	return &Reporter{store: store, service: service}
}

// Snapshot reads the flags and asks the service once.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	cfg, err := r.store.Config(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read override config: %w", err)
	}

	loaded := r.service.IsKeyboxAvailable(ctx)

	return Snapshot{
		Mode:         EffectiveMode(cfg.SourceMode, loaded).String(),
		Enabled:      cfg.SpoofEnabled,
		KeyboxLoaded: loaded,
	}, nil
}
