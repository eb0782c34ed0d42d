package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/locutus/lfsync/pkg/lfs"
)

// LayoutUpdate is one reload of a watched layout. Err is set when the
// layout could not be parsed or built; the previous tree stays current.
type LayoutUpdate struct {
	Layout *Layout
	Model  *lfs.Model
	Err    error
}

// LayoutWatcher reloads a menu layout whenever it or its ROM directory
// changes.
type LayoutWatcher struct {
	path     string
	parser   *LayoutParser
	debounce time.Duration
	logger   zerolog.Logger
}

// NewLayoutWatcher creates a watcher for the layout at path.
func NewLayoutWatcher(path string, parser *LayoutParser, debounce time.Duration, logger zerolog.Logger) *LayoutWatcher {
	if parser == nil {
		parser = NewLayoutParser()
	}
	return &LayoutWatcher{
		path:     path,
		parser:   parser,
		debounce: debounce,
		logger:   logger.With().Str("component", "layout-watcher").Str("layout", path).Logger(),
	}
}

// Watch emits the current layout immediately and again after each burst of
// changes has been quiet for the debounce interval. The channel is closed
// when ctx is done.
func (w *LayoutWatcher) Watch(ctx context.Context) (<-chan LayoutUpdate, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Editors often replace files by rename, so watch directories.
	dir := w.path
	if info, err := os.Stat(w.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to stat layout %s: %w", w.path, err)
	} else if !info.IsDir() {
		dir = filepath.Dir(w.path)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	watched := map[string]bool{filepath.Clean(dir): true}

	out := make(chan LayoutUpdate)

	go func() {
		defer close(out)
		defer watcher.Close()

		emit := func() bool {
			update := w.load(ctx)
			if update.Layout != nil && update.Layout.Root != "" {
				root := filepath.Clean(update.Layout.Root)
				if !watched[root] {
					if err := watcher.Add(root); err != nil {
						w.logger.Warn().Err(err).Str("dir", root).Msg("Cannot watch ROM directory")
					} else {
						watched[root] = true
					}
				}
			}
			select {
			case out <- update:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}

		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Layout input changed")
				settle = time.After(w.debounce)

			case <-settle:
				settle = nil
				if !emit() {
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Msg("Watch error")
			}
		}
	}()

	return out, nil
}

func (w *LayoutWatcher) load(ctx context.Context) LayoutUpdate {
	model, layout, err := w.parser.Load(ctx, w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to load layout")
		return LayoutUpdate{Layout: layout, Err: err}
	}
	files, dirs := layout.Count()
	w.logger.Info().Int("files", files).Int("directories", dirs).Msg("Layout loaded")
	return LayoutUpdate{Layout: layout, Model: model}
}
