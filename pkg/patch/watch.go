package patch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher regenerates patches when source files in the working copy change.
// Bursts of events are coalesced into one regeneration per debounce window.
type Watcher struct {
	root       string
	extensions []string
	debounce   time.Duration
	onChange   func(context.Context) error
	logger     zerolog.Logger
}

// NewWatcher creates a watcher over root that calls onChange after source
// files matching extensions are written or created.
func NewWatcher(root string, extensions []string, debounce time.Duration, onChange func(context.Context) error, logger zerolog.Logger) *Watcher {
	return &Watcher{
		root:       root,
		extensions: extensions,
		debounce:   debounce,
		onChange:   onChange,
		logger:     logger.With().Str("component", "patch-watcher").Logger(),
	}
}

// Run watches until ctx is cancelled. Errors from onChange are logged and
// do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.logger.Info().Str("root", w.root).Dur("debounce", w.debounce).Msg("Watching working copy")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Source changed")
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := w.onChange(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Patch regeneration failed")
				continue
			}
			w.logger.Info().Msg("Patches regenerated")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return slices.Contains(w.extensions, filepath.Ext(event.Name))
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}
