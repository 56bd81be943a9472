package rules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FragmentWatcher watches a directory for *.json rule-fragment files and
// appends their contents to an Engine as they appear, supplementing the
// stdin configuration channel without requiring a restart. This mirrors
// the append-only, monotonic-growth model of the stdin channel: a
// fragment is only ever added to the live RuleSet, never removed or
// replaced when its file is deleted.
type FragmentWatcher struct {
	dir     string
	section string
	engine  *Engine
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewFragmentWatcher creates a watcher over dir for the given bus-type
// section. The directory is created if it does not already exist.
func NewFragmentWatcher(dir, section string, engine *Engine, log *slog.Logger) (*FragmentWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FragmentWatcher{dir: dir, section: section, engine: engine, watcher: w, log: log}, nil
}

// Run watches the directory until ctx is cancelled. It performs an initial
// scan of existing fragments before entering the event loop.
func (w *FragmentWatcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	defer w.watcher.Close()

	w.scanExisting()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.loadFragment(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Error("fragment watcher error", "error", err)
			}
		}
	}
}

func (w *FragmentWatcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isFragmentFile(entry.Name()) {
			continue
		}
		w.loadFragment(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *FragmentWatcher) loadFragment(path string) {
	if !isFragmentFile(path) {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if w.log != nil {
			w.log.Warn("cannot open rule fragment", "path", path, "error", err)
		}
		return
	}
	defer f.Close()

	for _, err := range Load(f, w.engine, w.section) {
		if w.log != nil {
			w.log.Warn("rule fragment config error", "path", path, "error", err)
		}
	}
}

func isFragmentFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
