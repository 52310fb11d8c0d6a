package intents

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change is one successfully re-parsed and re-validated intent file,
// delivered after a filesystem write is detected.
type Change struct {
	File File
}

// Watcher watches an intent file for external edits and re-parses/
// re-validates it on every write, adapted from the teacher's
// HotReloadSystem (engine/internal/runtime) — same fsnotify-on-the-
// containing-directory idiom, substituting the intent file for the
// teacher's business-policy YAML.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	isWatching bool
}

// NewWatcher returns a Watcher for the intent file at path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("intents: create file watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Watch starts watching the intent file's containing directory, emitting a
// Change on every write that parses and validates cleanly; a write that
// fails to parse or fails validation is reported on the error channel
// instead, and the watcher keeps running (a bad intermediate save while
// editing should not kill hot-reload).
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 4)
	errs := make(chan error, 4)

	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("intents: watch dir %s: %w", dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.isWatching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				if err := Validate(f); err != nil {
					errs <- err
					continue
				}
				changes <- Change{File: f}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, errs
}

// Stop stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}
