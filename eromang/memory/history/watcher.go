package history

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchPrompt reloads the prompt document at path into store each time it
// is written, until ctx is done. The parent directory is watched so editors
// that save by rename are picked up too.
func WatchPrompt(ctx context.Context, path string, store *Store, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	logger = logger.With().Str("prompt", target).Str("history", store.Key()).Logger()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				doc, err := LoadPromptDocument(target)
				if err != nil {
					logger.Warn().Err(err).Msg("prompt reload skipped")
					continue
				}
				if err := store.SetPrompt(doc.Content); err != nil {
					logger.Warn().Err(err).Msg("prompt rejected")
					continue
				}
				logger.Info().Msg("prompt reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("prompt watcher error")
			}
		}
	}()

	return nil
}
