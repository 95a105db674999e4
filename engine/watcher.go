package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for edits to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the engine's library when its files change. Bursts of
// events (an editor saving several chapters) collapse into one reload.
type Watcher struct {
	engine   *Engine
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	// dirs are watched recursively; files are matched exactly.
	dirs  []string
	files map[string]bool

	reloads atomic.Int64
	failed  atomic.Int64
}

// NewWatcher creates a watcher over the engine's library paths. A zero
// debounce uses DefaultDebounce.
func NewWatcher(e *Engine, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		engine:   e,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger,
		files:    make(map[string]bool),
	}
	for _, p := range e.Watch() {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		info, err := os.Stat(abs)
		if err == nil && info.IsDir() {
			w.dirs = append(w.dirs, abs)
			continue
		}
		w.files[abs] = true
	}
	return w, nil
}

// Run watches until ctx is cancelled. It returns an error only if the
// initial watches cannot be installed.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	for _, dir := range w.dirs {
		if err := w.addRecursive(dir); err != nil {
			return err
		}
	}
	for file := range w.files {
		// Editors replace files by rename, so the parent directory is watched.
		if err := w.fsw.Add(filepath.Dir(file)); err != nil {
			return err
		}
	}

	w.logger.Info("Library watcher started",
		"dirs", w.dirs,
		"debounce", w.debounce)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Library change detected",
				"path", event.Name,
				"op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Library watcher error", "error", err)

		case <-fire:
			fire = nil
			if err := w.engine.ReloadTemplates(ctx); err != nil {
				w.failed.Add(1)
				continue
			}
			w.reloads.Add(1)
		}
	}
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Failures returns the number of reloads rejected by validation.
func (w *Watcher) Failures() int64 {
	return w.failed.Load()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	path := filepath.Clean(event.Name)
	if w.files[path] {
		return true
	}
	for _, dir := range w.dirs {
		if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if err := w.addRecursive(path); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
				}
				return true
			}
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != root && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		w.logger.Debug("Watching directory", "path", path)
		return nil
	})
}
