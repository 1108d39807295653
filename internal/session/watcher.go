package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const logSuffix = ".jsonl"

// rescanInterval is how often the roots are polled for files whose events
// fsnotify missed, e.g. writes racing the creation of a new project
// directory on kqueue.
const rescanInterval = 30 * time.Second

func sessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), logSuffix)
}

// watcher turns filesystem notifications under the log roots into index
// refreshes on the manager.
type watcher struct {
	m     *Manager
	fs    *fsnotify.Watcher
	roots []string
	log   *zap.Logger

	sizes map[string]int64 // last size seen per log file, owned by run
}

func newWatcher(m *Manager, roots []string, log *zap.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{m: m, fs: fsw, roots: roots, log: log, sizes: make(map[string]int64)}
	for _, root := range roots {
		w.watchRoot(root)
	}
	if files, err := m.store.Scan(); err == nil {
		for _, f := range files {
			w.sizes[f.Path] = f.Size
		}
	}
	return w, nil
}

// watchRoot watches a root and every project directory in it. A root that
// does not exist yet is picked up through its parent.
func (w *watcher) watchRoot(root string) {
	if err := w.fs.Add(root); err != nil {
		_ = w.fs.Add(filepath.Dir(root))
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.fs.Add(filepath.Join(root, entry.Name()))
		}
	}
}

func (w *watcher) isRoot(path string) bool {
	for _, root := range w.roots {
		if path == root {
			return true
		}
	}
	return false
}

func (w *watcher) isProjectDir(path string) bool {
	return w.isRoot(filepath.Dir(path))
}

func (w *watcher) run(ctx context.Context) {
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))

		case <-ticker.C:
			w.rescan()
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			switch {
			case w.isRoot(ev.Name):
				w.watchRoot(ev.Name)
			case w.isProjectDir(ev.Name):
				_ = w.fs.Add(ev.Name)
				w.scanDir(ev.Name)
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, logSuffix) || !w.isProjectDir(filepath.Dir(ev.Name)) {
		return
	}

	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		w.changed(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.sizes, ev.Name)
		w.m.fileRemoved(ev.Name)
	}
}

func (w *watcher) changed(path string) {
	if info, err := os.Stat(path); err == nil {
		w.sizes[path] = info.Size()
	}
	w.m.fileChanged(path)
}

// scanDir picks up files written to a project directory before it was
// being watched.
func (w *watcher) scanDir(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "*"+logSuffix))
	for _, path := range matches {
		w.changed(path)
	}
}

func (w *watcher) rescan() {
	files, err := w.m.store.Scan()
	if err != nil {
		w.log.Debug("rescan failed", zap.Error(err))
		return
	}
	for _, f := range files {
		if size, ok := w.sizes[f.Path]; ok && size == f.Size {
			continue
		}
		if _, ok := w.sizes[f.Path]; !ok {
			_ = w.fs.Add(filepath.Dir(f.Path))
		}
		w.changed(f.Path)
	}
}

func (w *watcher) close() error {
	return w.fs.Close()
}
