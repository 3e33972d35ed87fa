// This file implements the filesystem event handler and the
// recursive fsnotify watcher that feeds it, recursing over the whole
// sync root and adding new directories as they appear.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/fsmap"
)

// Watcher recursively watches Daemon.Root and, on a debounced quiet
// period per path, diffs the changed file against content_cache and
// pushes the result upstream.
type Watcher struct {
	d      *Daemon
	fsw    *fsnotify.Watcher
	scheme string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pathURL map[string]string // path -> url, populated as URLs are synced
}

// NewWatcher opens a recursive fsnotify watcher rooted at d.Root.
// scheme is used to reconstruct a URL from a bare path when the
// daemon hasn't already recorded one via RegisterPath.
func NewWatcher(d *Daemon, scheme string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "WATCHER_INIT", "opening filesystem watcher", err)
	}
	w := &Watcher{d: d, fsw: fsw, scheme: scheme, timers: map[string]*time.Timer{}, pathURL: map[string]string{}}
	if err := w.addRecursive(d.Root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: a transient stat failure shouldn't abort startup
		}
		if de.IsDir() {
			if filepath.Base(path) == ".braidfs" {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

// RegisterPath records the URL a given mapped path corresponds to, so
// handleEvent doesn't need to reverse-engineer it from fsmap encoding
// (which can't recover the original scheme on its own).
func (w *Watcher) RegisterPath(path, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pathURL[path] = url
}

// Run drains filesystem events until ctx is cancelled, debouncing each
// path by Daemon.Config's debounce interval before acting on it.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	debounce := w.d.Config.DebounceDuration()
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					w.fsw.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounce(ctx, ev.Name, debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("filesystem watcher error")
		}
	}
}

func (w *Watcher) debounce(ctx context.Context, path string, quiet time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(quiet, func() {
		w.handleEvent(ctx, path)
	})
}

// handleEvent handles one debounced filesystem event: if path is
// still within our own pending-writes echo-guard window, it is
// ignored (our own write, not a user edit); otherwise the file is
// diffed against content_cache and pushed upstream.
func (w *Watcher) handleEvent(ctx context.Context, path string) {
	if w.d.IsPendingWrite(path) {
		return
	}

	url, ok := w.urlFor(path)
	if !ok {
		return
	}
	if w.d.isLocalManaged(url) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("path", path).WithField("error", err).Warn("reading changed file")
		}
		return
	}
	content := string(data)
	cached, _ := w.d.ContentCache(url)
	if content == cached {
		return
	}

	if err := w.d.PushLocalToRemote(ctx, url, content); err != nil {
		if w.d.shouldLogFailure(url, 0) {
			log.WithField("url", url).WithField("error", err).Warn("push to remote failed")
		}
	}
}

func (w *Watcher) urlFor(path string) (string, bool) {
	w.mu.Lock()
	u, ok := w.pathURL[path]
	w.mu.Unlock()
	if ok {
		return u, true
	}
	hint, err := fsmap.PathToURLHint(w.d.Root, w.scheme, path)
	if err != nil {
		return "", false
	}
	return hint, true
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
