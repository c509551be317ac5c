package ninja_go

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 200 * time.Millisecond

// SourceWatcher reports batches of changed source files. It watches the
// directories holding the sources so that editors which replace files by
// renaming are still seen.
type SourceWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	files    map[string]bool
	dirs     map[string]bool
}

func NewSourceWatcher(debounce time.Duration, logger *slog.Logger) (*SourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &SourceWatcher{
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
		files:    map[string]bool{},
		dirs:     map[string]bool{},
	}, nil
}

// SetSources replaces the watched file set. Directories are only ever
// added.
func (w *SourceWatcher) SetSources(paths []string) error {
	w.files = map[string]bool{}
	for _, p := range paths {
		w.files[filepath.Clean(p)] = true
		dir := filepath.Dir(p)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			// The directory may not exist yet; its files are simply missing.
			w.logger.Debug("not watching directory", "dir", dir, "err", err)
			continue
		}
		w.dirs[dir] = true
	}
	return nil
}

// Files returns the watched file set, sorted.
func (w *SourceWatcher) Files() []string {
	files := make([]string, 0, len(w.files))
	for f := range w.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Run calls rebuild with each batch of changed files until ctx is done.
// Events closer together than the debounce window form one batch.
func (w *SourceWatcher) Run(ctx context.Context, rebuild func(ctx context.Context, changed []string)) error {
	changed := map[string]bool{}
	batchTimer := time.NewTimer(w.debounce)
	batchTimer.Stop()
	defer batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			name := filepath.Clean(event.Name)
			if !w.files[name] {
				continue
			}
			changed[name] = true
			batchTimer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			batch := make([]string, 0, len(changed))
			for f := range changed {
				batch = append(batch, f)
			}
			sort.Strings(batch)
			changed = map[string]bool{}
			w.logger.Debug("sources changed", "files", batch)
			rebuild(ctx, batch)
		}
	}
}

func (w *SourceWatcher) Close() error {
	return w.watcher.Close()
}
