package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// backupLayout is the timestamp embedded in rotated file names:
// keyboxd.log becomes keyboxd-20260102-150405.000.log.
const backupLayout = "20060102-150405.000"

// FileRotator is an io.Writer over a log file that rotates by size and by
// day. It also cooperates with an external logrotate: when the file has
// been moved away, Rotate reopens the path instead of rotating again.
type FileRotator struct {
	config *Config

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// pending tracks background gzip and pruning; work serializes them so
	// a prune never races a compression of the same backup.
	pending sync.WaitGroup
	work    sync.Mutex
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, fi.Size(), time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// due reports whether writing n more bytes needs a new file. An empty file
// is never rotated for age.
func (r *FileRotator) due(n int64) bool {
	if r.config.MaxSize > 0 && r.size+n > r.config.MaxSize*1024*1024 {
		return true
	}
	return r.size > 0 && r.opened.YearDay() != time.Now().YearDay()
}

// movedAway reports whether the path no longer names the open file.
func (r *FileRotator) movedAway() bool {
	if r.file == nil {
		return false
	}
	cur, err := r.file.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(r.config.FilePath)
	if err != nil {
		return os.IsNotExist(err)
	}
	return !os.SameFile(cur, onDisk)
}

func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	dst := r.backupName(time.Now())
	if err := os.Rename(r.config.FilePath, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.work.Lock()
		defer r.work.Unlock()
		if r.config.Compress {
			compress(dst)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) backupName(t time.Time) string {
	dir, base := filepath.Split(r.config.FilePath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+"-"+t.Format(backupLayout)+ext)
}

// compress replaces path with path.gz. On any error the plain backup is
// kept and a partial .gz is removed.
func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

type backup struct {
	path string
	at   time.Time
}

// backups lists rotated files of this log, oldest first. Only names that
// carry a parseable rotation timestamp count, so a neighbour such as
// keyboxd-audit.log is never mistaken for a backup of keyboxd.log.
func (r *FileRotator) backups() ([]backup, error) {
	dir, base := filepath.Split(r.config.FilePath)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(name[len(prefix):], ".gz"), ext)
		at, err := time.ParseInLocation(backupLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		out = append(out, backup{path: filepath.Join(dir, name), at: at})
	}
	slices.SortFunc(out, func(a, b backup) int { return a.at.Compare(b.at) })
	return out, nil
}

// prune enforces MaxBackups and MaxAge.
func (r *FileRotator) prune() {
	files, err := r.backups()
	if err != nil {
		return
	}
	if n := r.config.MaxBackups; n > 0 && len(files) > n {
		for _, f := range files[:len(files)-n] {
			os.Remove(f.path)
		}
		files = files[len(files)-n:]
	}
	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if f.at.Before(cutoff) {
				os.Remove(f.path)
			}
		}
	}
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()

	r.pending.Wait()
	return err
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// GetLogFiles returns the current file followed by its backups, oldest
// first.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	files := []string{r.config.FilePath}
	bs, err := r.backups()
	for _, b := range bs {
		files = append(files, b.path)
	}
	return files, err
}

// Rotate is called on SIGHUP. If logrotate already moved the file, the
// path is reopened so the moved file is not renamed a second time.
// Otherwise the current file is rotated.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.movedAway() {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close moved log: %w", err)
		}
		r.file = nil
		return r.open()
	}
	return r.rotate()
}
