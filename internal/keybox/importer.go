// Package keybox installs operator-supplied keybox files.
//
// An import stages the incoming bytes in a sibling file, renames it over
// the canonical path, asks the attestation service to reload, and then
// checks that the service recognizes what it loaded. The canonical file is
// only ever replaced by rename, so a concurrent reader sees either the old
// complete file or the new complete file.
package keybox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"keyboxd/internal/attestation"
	"keyboxd/internal/logging"
	"keyboxd/internal/security"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxSize       = 1 << 20
	DefaultFileMode      = security.PermPublicFile
	DefaultReloadTimeout = 10 * time.Second
	DefaultLockTimeout   = 5 * time.Second
)

// Options configures an Importer.
type Options struct {
	// Path is the canonical keybox file.
	Path string

	FileMode      os.FileMode
	MaxSize       int64
	ReloadTimeout time.Duration
	LockTimeout   time.Duration

	Service attestation.Service
	Logger  *logging.Logger

	// OnInstall, if set, is called right after the canonical file is
	// replaced and before the reload.
	OnInstall func(Result)
}

// Request is one import. Source is read to EOF exactly once.
type Request struct {
	Source      io.Reader
	RequestedAt time.Time

	// ExpectedSize, when positive, must match the number of bytes read.
	ExpectedSize int64

	// Name is the display name of where the bytes came from.
	Name string

	// ID correlates log lines. A uuid is generated when empty.
	ID string
}

// Result describes an installed file.
type Result struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	InstalledAt time.Time `json:"installed_at"`
}

// FileInfo describes the canonical file as it is on disk now.
type FileInfo struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time,omitempty"`
	SHA256  string    `json:"sha256,omitempty"`
}

// Importer owns the canonical keybox file.
type Importer struct {
	opts   Options
	logger *logging.Logger
	commit func(*security.AtomicWriter) error
}

// NewImporter validates opts and fills defaults.
func NewImporter(opts Options) (*Importer, error) {
	if opts.Path == "" {
		return nil, errors.New("keybox: path is required")
	}
	if opts.Service == nil {
		return nil, errors.New("keybox: attestation service is required")
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultFileMode
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = DefaultReloadTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	im := &Importer{
		opts:   opts,
		logger: logger.WithComponent("keybox"),
		commit: (*security.AtomicWriter).Commit,
	}

	if removed, err := security.RemoveStaleStaging(opts.Path); err != nil {
		im.logger.Warn("failed to clean staging files", "error", err)
	} else if len(removed) > 0 {
		im.logger.Info("removed stale staging files", "count", len(removed))
	}

	return im, nil
}

// Path returns the canonical keybox path.
func (im *Importer) Path() string {
	return im.opts.Path
}

// Import runs the full pipeline. The returned Result is non-nil whenever
// the canonical file was replaced, including when the error is
// ReloadFailed or NotRecognized.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	if req.Source == nil {
		return nil, NewImportError(ReadFailed, errors.New("no source"))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	log := im.logger.With("import_id", req.ID)
	if req.Name != "" {
		log = log.With("source", req.Name)
	}

	lockCtx, cancel := context.WithTimeout(ctx, im.opts.LockTimeout)
	lock, err := security.AcquireLock(lockCtx, security.LockPath(im.opts.Path))
	cancel()
	if err != nil {
		log.Error("import lock unavailable", "error", err)
		return nil, NewImportError(InstallFailed, err)
	}
	defer lock.Release()

	res, err := im.install(ctx, req, log)
	if err != nil {
		log.Warn("keybox import aborted", "error", err)
		return nil, err
	}
	log.Info("keybox installed", "size", res.Size, "sha256", res.SHA256)
	if im.opts.OnInstall != nil {
		im.opts.OnInstall(*res)
	}

	reloadCtx, cancel := context.WithTimeout(ctx, im.opts.ReloadTimeout)
	defer cancel()
	if err := im.opts.Service.ReloadKeybox(reloadCtx); err != nil {
		log.Warn("keybox installed but reload failed", "error", err)
		return res, NewImportError(ReloadFailed, err)
	}

	if !im.opts.Service.IsKeyboxAvailable(reloadCtx) {
		log.Warn("keybox reloaded but not recognized")
		return res, NewImportError(NotRecognized, nil)
	}

	log.Info("keybox active", "elapsed", time.Since(req.RequestedAt))
	return res, nil
}

// install stages req.Source and renames it over the canonical path.
func (im *Importer) install(ctx context.Context, req Request, log *logging.Logger) (*Result, error) {
	w, err := security.NewAtomicWriter(im.opts.Path, im.opts.FileMode)
	if err != nil {
		return nil, NewImportError(InstallFailed, err)
	}
	defer w.Abort()

	h := sha256.New()
	n, err := copyStaged(ctx, w, h, req.Source, im.opts.MaxSize)
	if err != nil {
		return nil, err
	}

	switch {
	case n == 0:
		return nil, NewImportError(ReadFailed, ErrEmpty)
	case n > im.opts.MaxSize:
		return nil, NewImportError(ReadFailed, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, im.opts.MaxSize))
	case req.ExpectedSize > 0 && n != req.ExpectedSize:
		return nil, NewImportError(ReadFailed, fmt.Errorf("%w: read %d of %d bytes", ErrTruncated, n, req.ExpectedSize))
	}

	// Last point where giving up leaves nothing behind.
	if err := ctx.Err(); err != nil {
		return nil, NewImportError(ReadFailed, err)
	}

	// Once renamed the new file is what readers see, so a failed
	// directory sync is not an install failure.
	if err := im.commit(w); err != nil {
		if !errors.Is(err, security.ErrNotDurable) {
			return nil, NewImportError(InstallFailed, err)
		}
		log.Warn("keybox replaced but not yet durable", "error", err)
	}

	return &Result{
		ID:          req.ID,
		Path:        im.opts.Path,
		Size:        n,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		InstalledAt: time.Now(),
	}, nil
}

// copyStaged copies up to max+1 bytes from src into w, hashing as it goes
// and checking ctx between chunks.
func copyStaged(ctx context.Context, w io.Writer, h hash.Hash, src io.Reader, max int64) (int64, error) {
	buf := make([]byte, 32*1024)
	limited := io.LimitReader(src, max+1)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, NewImportError(ReadFailed, err)
		}
		nr, rerr := limited.Read(buf)
		if nr > 0 {
			h.Write(buf[:nr])
			if _, werr := w.Write(buf[:nr]); werr != nil {
				return n, NewImportError(InstallFailed, werr)
			}
			n += int64(nr)
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, NewImportError(ReadFailed, rerr)
		}
	}
}

// Stat reports the canonical file's current state.
func (im *Importer) Stat() (FileInfo, error) {
	return StatFile(im.opts.Path)
}

// StatFile hashes the file at path. A missing file is not an error.
func StatFile(path string) (FileInfo, error) {
	info := FileInfo{Path: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return info, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return info, err
	}

	info.Exists = true
	info.Size = st.Size()
	info.ModTime = st.ModTime()
	info.SHA256 = hex.EncodeToString(h.Sum(nil))
	return info, nil
}

// Exists reports whether the canonical file is present.
func (im *Importer) Exists() bool {
	_, err := os.Stat(im.opts.Path)
	return err == nil
}
