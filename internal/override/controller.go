// Package override drives the credential override: it moves between
// Disabled, Enabled(Overlay) and Enabled(XML), installs keyboxes, and asks
// the attestation service to reload.
package override

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"keyboxd/internal/attestation"
	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
	"keyboxd/internal/logging"
	"keyboxd/internal/status"
)

// Config wires a Controller.
type Config struct {
	Store    *flags.ConfigStore
	Importer *keybox.Importer
	Service  attestation.Service
	Logger   *logging.Logger
	Audit    *logging.AuditLogger

	// ReloadTimeout bounds Reload and the reload after Enable.
	ReloadTimeout time.Duration

	// OnEvent, if set, receives every event. It is called with the
	// controller lock held and must not call back into the controller.
	OnEvent func(Event)
}

// ImportOptions carries the optional parts of an import request.
type ImportOptions struct {
	Name         string
	ExpectedSize int64
	ID           string
}

// Controller serializes every state change. Status reads do not take
// its lock.
type Controller struct {
	mu sync.Mutex

	store         *flags.ConfigStore
	importer      *keybox.Importer
	service       attestation.Service
	reporter      *status.Reporter
	logger        *logging.Logger
	audit         *logging.AuditLogger
	reloadTimeout time.Duration
	onEvent       func(Event)
}

// New builds a Controller and logs the persisted state it starts from.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Importer == nil || cfg.Service == nil {
		return nil, errors.New("override: store, importer and service are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = keybox.DefaultReloadTimeout
	}

	c := &Controller{
		store:         cfg.Store,
		importer:      cfg.Importer,
		service:       cfg.Service,
		reporter:      status.NewReporter(cfg.Store, cfg.Service),
		logger:        logger.WithComponent("override"),
		audit:         cfg.Audit,
		reloadTimeout: cfg.ReloadTimeout,
		onEvent:       cfg.OnEvent,
	}

	st, err := c.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("read initial state: %w", err)
	}
	c.logger.Info("override controller ready", "state", st.String(), "keybox", cfg.Importer.Path())
	return c, nil
}

// State reads the persisted state.
func (c *Controller) State(ctx context.Context) (State, error) {
	cfg, err := c.store.Config(ctx)
	if err != nil {
		return State{}, err
	}
	return stateOf(cfg), nil
}

// Status returns a fresh snapshot.
func (c *Controller) Status(ctx context.Context) (status.Snapshot, error) {
	return c.reporter.Snapshot(ctx)
}

// Enable turns the override on with mode. The mode is written before the
// enabled flag, so a failure between the two writes leaves the override
// disabled.
func (c *Controller) Enable(ctx context.Context, mode flags.SourceMode) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enable(ctx, mode)
}

func (c *Controller) enable(ctx context.Context, mode flags.SourceMode) (Transition, error) {
	from, err := c.State(ctx)
	if err != nil {
		return Transition{}, err
	}
	to := EnabledWith(mode)

	if err := c.store.SetSourceMode(ctx, mode); err != nil {
		c.logTransitionFailure(ctx, from, to, err)
		return Transition{From: from, To: from}, err
	}
	if err := c.store.SetSpoofEnabled(ctx, true); err != nil {
		c.logTransitionFailure(ctx, from, to, err)
		// The mode write landed, so an already enabled override now runs
		// with the new mode.
		now, serr := c.State(ctx)
		if serr != nil {
			now = from
		}
		return Transition{From: from, To: now}, err
	}

	t := Transition{From: from, To: to, EffectiveMode: mode}

	t.ReloadErr = c.reload(ctx)
	if t.ReloadErr != nil {
		c.logger.Warn("reload after enable failed", "error", t.ReloadErr)
	}

	// XML without a usable keybox means the service will use the overlay.
	// Asked after the reload so the answer matches what the service holds.
	if mode == flags.ModeXML {
		available := c.importer.Exists() && c.service.IsKeyboxAvailable(ctx)
		if eff := status.EffectiveMode(mode, available); eff != mode {
			t.EffectiveMode = eff
			t.Fallback = true
			c.logger.Warn("XML source selected without a usable keybox, overlay will be used",
				"keybox_present", c.importer.Exists())
		}
	}

	c.logger.Info("override enabled", "from", from.String(), "to", to.String(),
		"effective_mode", t.EffectiveMode.String(), "fallback", t.Fallback)
	c.audit.LogOverride(ctx, from.String(), to.String(), nil, map[string]interface{}{
		"effective_mode": t.EffectiveMode.String(),
		"fallback":       t.Fallback,
		"reload_ok":      t.ReloadErr == nil,
	})
	c.emit(Event{Type: EventTransition, State: to, Transition: &t, Error: errString(t.ReloadErr)})
	return t, nil
}

// Disable turns the override off. The keybox file is never touched.
func (c *Controller) Disable(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disable(ctx)
}

func (c *Controller) disable(ctx context.Context) (Transition, error) {
	from, err := c.State(ctx)
	if err != nil {
		return Transition{}, err
	}
	to := Disabled

	if err := c.store.SetSpoofEnabled(ctx, false); err != nil {
		c.logTransitionFailure(ctx, from, to, err)
		return Transition{From: from, To: from}, err
	}

	t := Transition{From: from, To: to, EffectiveMode: flags.ModeOverlay}
	c.logger.Info("override disabled", "from", from.String())
	c.audit.LogOverride(ctx, from.String(), to.String(), nil, nil)
	c.emit(Event{Type: EventTransition, State: to, Transition: &t})
	return t, nil
}

// SetSpoofEnabled is the on/off toggle. Turning on keeps the persisted
// source mode.
func (c *Controller) SetSpoofEnabled(ctx context.Context, enabled bool) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !enabled {
		return c.disable(ctx)
	}
	mode, err := c.store.SourceMode(ctx)
	if err != nil {
		return Transition{}, err
	}
	return c.enable(ctx, mode)
}

// RequestImport installs a keybox from source. Whatever the outcome, the
// override flags are left as they were.
func (c *Controller) RequestImport(ctx context.Context, source io.Reader, opts ImportOptions) (*keybox.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.importer.Import(ctx, keybox.Request{
		Source:       source,
		RequestedAt:  time.Now(),
		ExpectedSize: opts.ExpectedSize,
		Name:         opts.Name,
		ID:           opts.ID,
	})

	details := map[string]interface{}{}
	if opts.Name != "" {
		details["source"] = opts.Name
	}
	if res != nil {
		details["sha256"] = res.SHA256
		details["size"] = res.Size
		details["import_id"] = res.ID
	}
	c.audit.LogImport(ctx, c.importer.Path(), err, details)

	ev := Event{Type: EventImport, Import: res, Error: errString(err)}
	if k := keybox.KindOf(err); k != 0 {
		ev.ErrorKind = k.String()
	}
	if st, serr := c.State(ctx); serr == nil {
		ev.State = st
	}
	c.emit(ev)

	return res, err
}

// Reload asks the service to re-read the installed keybox without
// importing anything. It is the retry after an import that ended in
// ReloadFailed.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.reload(ctx)
	if err != nil {
		c.logger.Warn("keybox reload failed", "error", err)
	} else {
		c.logger.Info("keybox reloaded")
	}
	c.audit.LogReload(ctx, err)

	ev := Event{Type: EventReload, Error: errString(err)}
	if st, serr := c.State(ctx); serr == nil {
		ev.State = st
	}
	c.emit(ev)
	return err
}

func (c *Controller) reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.reloadTimeout)
	defer cancel()
	err := c.service.ReloadKeybox(ctx)
	if err != nil && !errors.Is(err, attestation.ErrReloadFailed) {
		err = fmt.Errorf("%w: %w", attestation.ErrReloadFailed, err)
	}
	return err
}

// NotifyFileChanged publishes an out-of-band change of the keybox file.
// It does not reload; the operator decides whether to.
func (c *Controller) NotifyFileChanged(ctx context.Context, info keybox.FileInfo, op string) {
	c.logger.Warn("keybox file changed outside keyboxd", "op", op, "exists", info.Exists, "sha256", info.SHA256)
	c.audit.LogFileChange(ctx, info.Path, op, info.SHA256)

	ev := Event{Type: EventKeyboxChanged, File: &info}
	if st, err := c.State(ctx); err == nil {
		ev.State = st
	}

	c.mu.Lock()
	c.emit(ev)
	c.mu.Unlock()
}

func (c *Controller) logTransitionFailure(ctx context.Context, from, to State, err error) {
	c.logger.Error("override transition failed", "from", from.String(), "to", to.String(), "error", err)
	c.audit.LogOverride(ctx, from.String(), to.String(), err, nil)
}

func (c *Controller) emit(ev Event) {
	if c.onEvent == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.onEvent(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
