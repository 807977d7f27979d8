// Package watch regenerates output when a schema file changes on disk.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"rcgen/pkg/logger"
)

// ChangeFunc is called with the changed file's path after changes settle
type ChangeFunc func(path string) error

// SchemaWatcher watches one file and calls back, debounced, when it changes.
// The parent directory is watched rather than the file so that editors that
// save by rename are still seen.
type SchemaWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange ChangeFunc

	// fire carries settled changes from the debounce timer to Run, which
	// calls onChange itself so callbacks never overlap
	fire chan struct{}

	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// New creates a watcher for path
func New(path string, onChange ChangeFunc) (*SchemaWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}
	return &SchemaWatcher{
		path:           abs,
		watcher:        w,
		onChange:       onChange,
		fire:           make(chan struct{}, 1),
		debouncePeriod: 200 * time.Millisecond,
	}, nil
}

// SetDebounce changes how long the watcher waits for changes to settle
func (sw *SchemaWatcher) SetDebounce(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debouncePeriod = d
}

// Run watches until ctx is cancelled. Callbacks run on the calling
// goroutine, one at a time, and none runs after Run returns.
func (sw *SchemaWatcher) Run(ctx context.Context) error {
	defer sw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			sw.mu.Lock()
			if sw.debounceTimer != nil {
				sw.debounceTimer.Stop()
			}
			sw.mu.Unlock()
			return nil

		case <-sw.fire:
			if ctx.Err() != nil {
				return nil
			}
			if err := sw.onChange(sw.path); err != nil {
				logger.Logger.Errorw("regeneration failed", "file", sw.path, "error", err)
			}

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != sw.path || isBackupFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Logger.Debugw("schema change detected", "file", event.Name, "op", event.Op.String())
			sw.schedule()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Logger.Warnw("schema watcher error", "error", err)
		}
	}
}

// schedule debounces rapid changes into one callback
func (sw *SchemaWatcher) schedule() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceTimer = time.AfterFunc(sw.debouncePeriod, func() {
		select {
		case sw.fire <- struct{}{}:
		default:
			// a regeneration is already pending
		}
	})
}

func isBackupFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasPrefix(base, ".#")
}
