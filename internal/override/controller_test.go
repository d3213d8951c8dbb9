package override

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyboxd/internal/attestation/attestationtest"
	"keyboxd/internal/flags"
	"keyboxd/internal/keybox"
	"keyboxd/internal/status"
)

const validKeybox = `<?xml version="1.0"?><AndroidAttestation><NumberOfKeyboxes>1</NumberOfKeyboxes></AndroidAttestation>`

type harness struct {
	ctrl   *Controller
	mem    *flags.Memory
	store  *flags.ConfigStore
	svc    *attestationtest.Service
	path   string
	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:  flags.NewMemory(),
		path: filepath.Join(t.TempDir(), keyboxFileName),
	}
	h.svc = attestationtest.ForKeybox(h.path)
	h.store = flags.NewConfigStore(h.mem, flags.DefaultKeys())

	im, err := keybox.NewImporter(keybox.Options{Path: h.path, Service: h.svc})
	require.NoError(t, err)

	h.ctrl, err = New(context.Background(), Config{
		Store:    h.store,
		Importer: im,
		Service:  h.svc,
		OnEvent: func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return h
}

const keyboxFileName = "user_keybox.xml"

func (h *harness) lastEvent(t *testing.T) Event {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.events)
	return h.events[len(h.events)-1]
}

func (h *harness) config(t *testing.T) flags.OverrideConfig {
	t.Helper()
	cfg, err := h.store.Config(context.Background())
	require.NoError(t, err)
	return cfg
}

func (h *harness) fileBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return data
}

// Fresh install reports overlay, disabled, nothing loaded.
func TestStatusOnFreshInstall(t *testing.T) {
	h := newHarness(t)

	snap, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.Snapshot{Mode: "Overlay"}, snap)
}

// Import then enable XML reports XML, enabled and loaded.
func TestImportThenEnableXMLReportsLoaded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{Name: "keybox.xml"})
	require.NoError(t, err)
	require.NotNil(t, res)

	tr, err := h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)
	assert.Equal(t, Disabled, tr.From)
	assert.Equal(t, EnabledWith(flags.ModeXML), tr.To)
	assert.Equal(t, flags.ModeXML, tr.EffectiveMode)
	assert.False(t, tr.Fallback)
	assert.NoError(t, tr.ReloadErr)

	snap, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Snapshot{Mode: "XML", Enabled: true, KeyboxLoaded: true}, snap)
}

// An interrupted read leaves the file and the status as they were.
func TestInterruptedImportLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	require.NoError(t, err)
	_, err = h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)

	before := h.fileBytes(t)
	beforeStatus, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	beforeCfg := h.config(t)

	src := &brokenReader{data: []byte(validKeybox[:12]), err: errors.New("stream reset")}
	res, err := h.ctrl.RequestImport(ctx, src, ImportOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, keybox.ErrReadFailed)

	assert.Equal(t, before, h.fileBytes(t))
	afterStatus, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, beforeStatus, afterStatus)
	assert.Equal(t, beforeCfg, h.config(t))

	ev := h.lastEvent(t)
	assert.Equal(t, EventImport, ev.Type)
	assert.Equal(t, "read_failed", ev.ErrorKind)
}

// A failed reload keeps the new file and a later Reload succeeds without
// importing again.
func TestReloadRetriesAfterFailedImportReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.FailReload(errors.New("service restarting"))

	res, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	assert.ErrorIs(t, err, keybox.ErrReloadFailed)
	require.NotNil(t, res)
	assert.Equal(t, validKeybox, string(h.fileBytes(t)))
	assert.Equal(t, flags.OverrideConfig{}, h.config(t), "flags untouched by a failed import")

	h.svc.FailReload(nil)
	require.NoError(t, h.ctrl.Reload(ctx))
	assert.Equal(t, 2, h.svc.Reloads())
	assert.True(t, h.svc.IsKeyboxAvailable(ctx))
	assert.Equal(t, validKeybox, string(h.fileBytes(t)))

	assert.Equal(t, EventReload, h.lastEvent(t).Type)
}

func TestEnableOverlayIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ctrl.Enable(ctx, flags.ModeOverlay)
	require.NoError(t, err)
	assert.True(t, first.Changed())
	cfg := h.config(t)

	second, err := h.ctrl.Enable(ctx, flags.ModeOverlay)
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, cfg, h.config(t))
	assert.Equal(t, flags.OverrideConfig{SpoofEnabled: true, SourceMode: flags.ModeOverlay}, cfg)
}

func TestEnableXMLWithoutKeyboxFallsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)
	assert.True(t, tr.Fallback)
	assert.Equal(t, flags.ModeOverlay, tr.EffectiveMode)
	assert.Equal(t, EnabledWith(flags.ModeXML), tr.To, "the requested mode is still persisted")
	assert.Equal(t, flags.OverrideConfig{SpoofEnabled: true, SourceMode: flags.ModeXML}, h.config(t))

	snap, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Overlay", snap.Mode)
}

// A keybox installed while the service was down is picked up by the reload
// Enable issues, so XML is reported without a fallback.
func TestEnableXMLAfterFailedImportReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.FailReload(errors.New("service restarting"))

	_, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	require.ErrorIs(t, err, keybox.ErrReloadFailed)
	assert.False(t, h.svc.IsKeyboxAvailable(ctx))

	h.svc.FailReload(nil)
	tr, err := h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)
	assert.NoError(t, tr.ReloadErr)
	assert.False(t, tr.Fallback)
	assert.Equal(t, flags.ModeXML, tr.EffectiveMode)

	snap, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Snapshot{Mode: "XML", Enabled: true, KeyboxLoaded: true}, snap)
}

func TestEnableXMLUnrecognizedKeyboxFallsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.SetAvailable(false)

	_, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	assert.ErrorIs(t, err, keybox.ErrNotRecognized)

	tr, err := h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)
	assert.True(t, tr.Fallback)
}

func TestEnableReloadErrorDoesNotUndo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.FailReload(errors.New("no service"))

	tr, err := h.ctrl.Enable(ctx, flags.ModeOverlay)
	require.NoError(t, err)
	assert.Error(t, tr.ReloadErr)
	assert.True(t, h.config(t).SpoofEnabled)
	assert.NotEmpty(t, h.lastEvent(t).Error)
}

func TestDisableLeavesFileUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	require.NoError(t, err)
	_, err = h.ctrl.Enable(ctx, flags.ModeXML)
	require.NoError(t, err)

	before, err := keybox.StatFile(h.path)
	require.NoError(t, err)

	tr, err := h.ctrl.Disable(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnabledWith(flags.ModeXML), tr.From)
	assert.Equal(t, Disabled, tr.To)

	after, err := keybox.StatFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The mode survives so re-enabling picks it up again.
	tr, err = h.ctrl.SetSpoofEnabled(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, EnabledWith(flags.ModeXML), tr.To)
}

func TestSetSpoofEnabledToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.ctrl.SetSpoofEnabled(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, EnabledWith(flags.ModeOverlay), tr.To)

	tr, err = h.ctrl.SetSpoofEnabled(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Disabled, tr.To)

	st, err := h.ctrl.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Disabled, st)
}

func TestWriteErrorPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.SetReadOnly(true)

	tr, err := h.ctrl.Enable(ctx, flags.ModeXML)
	var we *flags.WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, err, flags.ErrReadOnly)
	assert.False(t, tr.Changed())
	assert.Zero(t, h.svc.Reloads(), "no reload after a failed write")

	_, err = h.ctrl.Disable(ctx)
	assert.ErrorAs(t, err, &we)
}

// The mode is written before the enabled flag; if the second write fails
// the override stays disabled.
func TestEnableWriteOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failing := &failAfter{Store: h.mem, allowed: 1}
	store := flags.NewConfigStore(failing, flags.DefaultKeys())
	im, err := keybox.NewImporter(keybox.Options{Path: h.path, Service: h.svc})
	require.NoError(t, err)
	ctrl, err := New(ctx, Config{Store: store, Importer: im, Service: h.svc})
	require.NoError(t, err)

	tr, err := ctrl.Enable(ctx, flags.ModeXML)
	require.Error(t, err)
	assert.Equal(t, Disabled, tr.To)

	cfg := h.config(t)
	assert.False(t, cfg.SpoofEnabled)
	assert.Equal(t, flags.ModeXML, cfg.SourceMode)
}

// When only the enabled write fails on an override that was already on,
// the new mode is in effect and the transition says so.
func TestEnableSecondWriteFailureReportsPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Enable(ctx, flags.ModeOverlay)
	require.NoError(t, err)

	failing := &failAfter{Store: h.mem, allowed: 1}
	store := flags.NewConfigStore(failing, flags.DefaultKeys())
	im, err := keybox.NewImporter(keybox.Options{Path: h.path, Service: h.svc})
	require.NoError(t, err)
	ctrl, err := New(ctx, Config{Store: store, Importer: im, Service: h.svc})
	require.NoError(t, err)

	tr, err := ctrl.Enable(ctx, flags.ModeXML)
	var we *flags.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, EnabledWith(flags.ModeOverlay), tr.From)
	assert.Equal(t, EnabledWith(flags.ModeXML), tr.To)
	assert.True(t, tr.Changed())

	st, err := ctrl.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, tr.To, st)
}

func TestImportErrorLeavesFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Enable(ctx, flags.ModeOverlay)
	require.NoError(t, err)
	writes := h.mem.Writes()

	_, err = h.ctrl.RequestImport(ctx, bytes.NewReader(nil), ImportOptions{})
	assert.ErrorIs(t, err, keybox.ErrEmpty)

	h.svc.SetAvailable(false)
	_, err = h.ctrl.RequestImport(ctx, bytes.NewBufferString(validKeybox), ImportOptions{})
	assert.ErrorIs(t, err, keybox.ErrNotRecognized)

	assert.Equal(t, writes, h.mem.Writes())
	assert.Equal(t, flags.OverrideConfig{SpoofEnabled: true, SourceMode: flags.ModeOverlay}, h.config(t))
}

func TestNotifyFileChanged(t *testing.T) {
	h := newHarness(t)
	h.ctrl.NotifyFileChanged(context.Background(), keybox.FileInfo{Path: h.path}, "remove")

	ev := h.lastEvent(t)
	assert.Equal(t, EventKeyboxChanged, ev.Type)
	require.NotNil(t, ev.File)
	assert.False(t, ev.File.Exists)
}

func TestConcurrentTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.ctrl.Enable(ctx, flags.ModeOverlay)
			} else {
				_, _ = h.ctrl.Disable(ctx)
			}
		}(i)
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.events, 20)
}

type brokenReader struct {
	data []byte
	err  error
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, r.err
	}
	r.sent = true
	return copy(p, r.data), nil
}

// failAfter lets the first allowed writes through and fails the rest.
type failAfter struct {
	flags.Store
	mu      sync.Mutex
	allowed int
}

func (f *failAfter) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowed == 0 {
		return &flags.WriteError{Key: key, Err: errors.New("disk full")}
	}
	f.allowed--
	return f.Store.Set(ctx, key, value)
}
