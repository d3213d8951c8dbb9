package keybox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyboxd/internal/attestation/attestationtest"
	"keyboxd/internal/security"
)

const (
	keyboxA = `<?xml version="1.0"?><AndroidAttestation><NumberOfKeyboxes>1</NumberOfKeyboxes><Keybox DeviceID="a"/></AndroidAttestation>`
	keyboxB = `<?xml version="1.0"?><AndroidAttestation><NumberOfKeyboxes>1</NumberOfKeyboxes><Keybox DeviceID="bbbbbbbb"/></AndroidAttestation>`
)

func newTestImporter(t *testing.T) (*Importer, *attestationtest.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_keybox.xml")
	svc := attestationtest.ForKeybox(path)
	im, err := NewImporter(Options{
		Path:    path,
		Service: svc,
	})
	require.NoError(t, err)
	return im, svc
}

func fileSum(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func assertNoStaging(t *testing.T, path string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, security.IsStagingFile(path, e.Name()), "leftover staging file %s", e.Name())
	}
}

// failingReader returns some bytes and then an error.
type failingReader struct {
	data []byte
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, r.err
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestImportSuccess(t *testing.T) {
	im, svc := newTestImporter(t)

	res, err := im.Import(context.Background(), Request{
		Source: bytes.NewBufferString(keyboxA),
		Name:   "keybox.xml",
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	got, err := os.ReadFile(im.Path())
	require.NoError(t, err)
	assert.Equal(t, keyboxA, string(got))
	assert.Equal(t, int64(len(keyboxA)), res.Size)
	assert.Equal(t, fileSum(t, im.Path()), res.SHA256)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, svc.Reloads())
	assertNoStaging(t, im.Path())
}

func TestImportReplacesExisting(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Import(ctx, Request{Source: bytes.NewBufferString(keyboxA)})
	require.NoError(t, err)
	_, err = im.Import(ctx, Request{Source: bytes.NewBufferString(keyboxB)})
	require.NoError(t, err)

	got, err := os.ReadFile(im.Path())
	require.NoError(t, err)
	assert.Equal(t, keyboxB, string(got))
}

func TestImportReadFailureLeavesFileUntouched(t *testing.T) {
	im, svc := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Import(ctx, Request{Source: bytes.NewBufferString(keyboxA)})
	require.NoError(t, err)
	before := fileSum(t, im.Path())

	readErr := errors.New("device removed")
	res, err := im.Import(ctx, Request{
		Source: &failingReader{data: []byte(keyboxB[:20]), err: readErr},
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, ReadFailed, KindOf(err))

	assert.Equal(t, before, fileSum(t, im.Path()))
	assert.Equal(t, 1, svc.Reloads(), "no reload after a failed read")
	assertNoStaging(t, im.Path())
}

func TestImportRejectsBadSources(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		maxSize int64
		want    error
	}{
		{
			name: "empty",
			req:  Request{Source: bytes.NewReader(nil)},
			want: ErrEmpty,
		},
		{
			name:    "oversize",
			req:     Request{Source: bytes.NewBufferString(keyboxA)},
			maxSize: 16,
			want:    ErrTooLarge,
		},
		{
			name: "truncated",
			req:  Request{Source: bytes.NewBufferString(keyboxA[:10]), ExpectedSize: int64(len(keyboxA))},
			want: ErrTruncated,
		},
		{
			name: "longer than expected",
			req:  Request{Source: bytes.NewBufferString(keyboxA), ExpectedSize: 10},
			want: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := attestationtest.New()
			path := filepath.Join(t.TempDir(), "user_keybox.xml")
			im, err := NewImporter(Options{Path: path, Service: svc, MaxSize: tt.maxSize})
			require.NoError(t, err)

			res, err := im.Import(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrReadFailed)
			assert.ErrorIs(t, err, tt.want)
			assert.NoFileExists(t, path)
			assert.Zero(t, svc.Reloads())
			assertNoStaging(t, path)
		})
	}
}

func TestImportCancelledBeforeInstall(t *testing.T) {
	im, svc := newTestImporter(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel while the source is being read.
	src := io.MultiReader(
		bytes.NewBufferString(keyboxA[:10]),
		readerFunc(func([]byte) (int, error) { cancel(); return 0, nil }),
		bytes.NewBufferString(keyboxA[10:]),
	)

	res, err := im.Import(ctx, Request{Source: src})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, im.Path())
	assert.Zero(t, svc.Reloads())
	assertNoStaging(t, im.Path())
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestImportReloadFailedKeepsFile(t *testing.T) {
	im, svc := newTestImporter(t)
	svc.FailReload(errors.New("service busy"))

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReloadFailed)
	assert.True(t, KindOf(err).Installed())

	require.NotNil(t, res, "result is returned once the file is installed")
	got, readErr := os.ReadFile(im.Path())
	require.NoError(t, readErr)
	assert.Equal(t, keyboxA, string(got))
	assert.Equal(t, fileSum(t, im.Path()), res.SHA256)
	assert.Zero(t, svc.AvailabilityChecks(), "no availability check after a reload failure")
}

func TestImportNotRecognized(t *testing.T) {
	im, svc := newTestImporter(t)
	svc.SetAvailable(false)

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	assert.ErrorIs(t, err, ErrNotRecognized)
	require.NotNil(t, res)

	got, readErr := os.ReadFile(im.Path())
	require.NoError(t, readErr)
	assert.Equal(t, keyboxA, string(got), "file stays for diagnostics")
	assert.Equal(t, 1, svc.Reloads())
}

func TestImportLockHeldElsewhere(t *testing.T) {
	svc := attestationtest.New()
	path := filepath.Join(t.TempDir(), "user_keybox.xml")
	im, err := NewImporter(Options{Path: path, Service: svc, LockTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	lock, err := security.AcquireLock(context.Background(), security.LockPath(path))
	require.NoError(t, err)
	defer lock.Release()

	_, err = im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, security.ErrLockTimeout)
	assert.NoFileExists(t, path)
}

// Readers running alongside repeated imports must only ever observe one of
// the complete versions.
func TestImportConcurrentReaders(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Import(ctx, Request{Source: bytes.NewBufferString(keyboxA)})
	require.NoError(t, err)

	var (
		stop    atomic.Bool
		wg      sync.WaitGroup
		reads   atomic.Int64
		badRead atomic.Value
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				data, err := os.ReadFile(im.Path())
				if err != nil {
					badRead.Store("read error: " + err.Error())
					return
				}
				if s := string(data); s != keyboxA && s != keyboxB {
					badRead.Store("partial content: " + s)
					return
				}
				reads.Add(1)
			}
		}()
	}

	for i := 0; i < 100; i++ {
		src := keyboxA
		if i%2 == 0 {
			src = keyboxB
		}
		_, err := im.Import(ctx, Request{Source: bytes.NewBufferString(src)})
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Nil(t, badRead.Load())
	assert.Positive(t, reads.Load())
}

func TestStat(t *testing.T) {
	im, _ := newTestImporter(t)

	info, err := im.Stat()
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.False(t, im.Exists())

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	require.NoError(t, err)

	info, err = im.Stat()
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, res.SHA256, info.SHA256)
	assert.Equal(t, res.Size, info.Size)
}

func TestNewImporterCleansStaging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_keybox.xml")
	stale := security.StagingPath(path)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0600))

	_, err := NewImporter(Options{Path: path, Service: attestationtest.New()})
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestImportErrorKinds(t *testing.T) {
	for _, k := range []Kind{ReadFailed, InstallFailed, ReloadFailed, NotRecognized} {
		parsed, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("bogus")
	assert.False(t, ok)

	err := NewImportError(NotRecognized, nil)
	assert.ErrorIs(t, err, ErrNotRecognized)
	assert.NotErrorIs(t, err, ErrReloadFailed)
	assert.Equal(t, "keybox: import not_recognized", err.Error())
}

func TestOnInstallHook(t *testing.T) {
	var got []Result
	svc := attestationtest.New()
	svc.FailReload(errors.New("down"))
	im, err := NewImporter(Options{
		Path:      filepath.Join(t.TempDir(), "user_keybox.xml"),
		Service:   svc,
		OnInstall: func(r Result) { got = append(got, r) },
	})
	require.NoError(t, err)

	_, err = im.Import(context.Background(), Request{Source: bytes.NewReader(nil)})
	require.Error(t, err)
	assert.Empty(t, got, "not called when nothing was installed")

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	assert.ErrorIs(t, err, ErrReloadFailed)
	require.Len(t, got, 1)
	assert.Equal(t, res.SHA256, got[0].SHA256)
}

// A canonical path held by a non-empty directory makes the rename fail:
// the import is InstallFailed, nothing is reloaded and no staging file is
// left next to it.
func TestImportRenameFailureLeavesTargetUntouched(t *testing.T) {
	im, svc := newTestImporter(t)
	occupant := filepath.Join(im.Path(), "occupant")
	require.NoError(t, os.MkdirAll(occupant, 0o700))

	var installed int
	im.opts.OnInstall = func(Result) { installed++ }

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, security.ErrAtomicWriteFailed)
	assert.Equal(t, InstallFailed, KindOf(err))

	fi, err := os.Stat(im.Path())
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.DirExists(t, occupant)
	assert.Zero(t, installed)
	assert.Zero(t, svc.Reloads())
	assertNoStaging(t, im.Path())
}

// A directory sync failure after the rename still counts as installed:
// the Result comes back, OnInstall runs and the reload goes ahead.
func TestImportDirSyncFailureStillInstalls(t *testing.T) {
	im, svc := newTestImporter(t)
	var installed []Result
	im.opts.OnInstall = func(r Result) { installed = append(installed, r) }
	im.commit = func(w *security.AtomicWriter) error {
		if err := w.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("%w: input/output error", security.ErrNotDurable)
	}

	res, err := im.Import(context.Background(), Request{Source: bytes.NewBufferString(keyboxA)})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, fileSum(t, im.Path()), res.SHA256)
	require.Len(t, installed, 1)
	assert.Equal(t, res.SHA256, installed[0].SHA256)
	assert.Equal(t, 1, svc.Reloads())
	assert.True(t, svc.IsKeyboxAvailable(context.Background()))
	assertNoStaging(t, im.Path())
}
