package override

import (
	"time"

	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
)

// State is one of Disabled, Enabled(Overlay) or Enabled(XML).
type State struct {
	Enabled bool             `json:"enabled"`
	Mode    flags.SourceMode `json:"mode"`
}

// Disabled is the state with the override off. The persisted mode is
// irrelevant while disabled.
var Disabled = State{}

// EnabledWith returns the enabled state for mode.
func EnabledWith(mode flags.SourceMode) State {
	return State{Enabled: true, Mode: mode}
}

func stateOf(cfg flags.OverrideConfig) State {
	if !cfg.SpoofEnabled {
		return Disabled
	}
	return EnabledWith(cfg.SourceMode)
}

func (s State) String() string {
	if !s.Enabled {
		return "Disabled"
	}
	return "Enabled(" + s.Mode.String() + ")"
}

// Transition describes the outcome of Enable or Disable.
type Transition struct {
	From State `json:"from"`
	To   State `json:"to"`

	// EffectiveMode is the source the service is expected to use after
	// the transition.
	EffectiveMode flags.SourceMode `json:"effective_mode"`

	// Fallback is set when XML was requested but no usable keybox is
	// present, so the service will use the overlay.
	Fallback bool `json:"fallback,omitempty"`

	// ReloadErr is the error of the post-enable reload, if any. It does
	// not undo the transition.
	ReloadErr error `json:"-"`
}

// Changed reports whether the persisted state differs after the transition.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// EventType names what an Event reports.
type EventType string

const (
	EventTransition    EventType = "transition"
	EventImport        EventType = "import"
	EventReload        EventType = "reload"
	EventKeyboxChanged EventType = "keybox_changed"
)

// Event is emitted after every transition, import and reload attempt.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`

	Transition *Transition      `json:"transition,omitempty"`
	Import     *keybox.Result   `json:"import,omitempty"`
	File       *keybox.FileInfo `json:"file,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
