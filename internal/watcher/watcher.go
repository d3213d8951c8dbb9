// Package watcher reports changes to the canonical keybox file that did
// not come from keyboxd itself.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"keyboxd/internal/keybox"
)

// DefaultDebounce is how long the file must be quiet before it is hashed.
const DefaultDebounce = 500 * time.Millisecond

// Change is a settled change of the watched file.
type Change struct {
	// Op is "create", "write" or "remove".
	Op        string
	Info      keybox.FileInfo
	Timestamp time.Time
}

// Watcher watches one file through its parent directory, so that the file
// being replaced by rename or deleted and recreated is still seen.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration

	mu        sync.Mutex
	pending   time.Time
	pendingOp string
	lastSum   string

	events chan Change
	errors chan error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for path. Nothing is watched until Start.
func New(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		path:      abs,
		debounce:  debounce,
		events:    make(chan Change, 16),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns settled changes.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Errors returns watch and hashing errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Start records the current content as the baseline and begins watching.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("watcher: parent of keybox path is not a directory")
	}

	baseline, err := keybox.StatFile(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastSum = baseline.SHA256
	w.mu.Unlock()

	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Expect marks content with the given SHA-256 as known, so a change to
// exactly that content is not reported. The importer calls it for files
// it installs.
func (w *Watcher) Expect(sum string) {
	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
		close(w.events)
		close(w.errors)
	})
	return err
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return "remove"
	case op.Has(fsnotify.Create):
		return "create"
	default:
		return "write"
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Staging and lock files share the directory.
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			w.mu.Lock()
			w.pending = time.Now()
			w.pendingOp = opName(event.Op)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkSettled(now)
		}
	}
}

// checkSettled hashes the file once it has been quiet for the debounce
// interval and reports it if the content differs from the last known.
func (w *Watcher) checkSettled(now time.Time) {
	w.mu.Lock()
	if w.pending.IsZero() || now.Sub(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	marked := w.pending
	op := w.pendingOp
	w.mu.Unlock()

	// Hash without the lock; the event loop keeps running.
	info, err := keybox.StatFile(w.path)
	if err != nil {
		w.sendError(err)
		return
	}

	w.mu.Lock()
	if !w.pending.Equal(marked) {
		// Modified while hashing; wait for it to settle again.
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	if info.SHA256 == w.lastSum {
		w.mu.Unlock()
		return
	}
	w.lastSum = info.SHA256
	w.mu.Unlock()

	if !info.Exists {
		op = "remove"
	}

	select {
	case w.events <- Change{Op: op, Info: info, Timestamp: now}:
	case <-w.done:
	}
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
