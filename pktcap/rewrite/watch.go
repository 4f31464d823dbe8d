package rewrite

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 100 * time.Millisecond

// Watch reloads path into e whenever the file is written or replaced, until
// ctx is done. The parent directory is watched so that editors saving through
// a rename are observed. A failed reload keeps the active rule set.
func Watch(ctx context.Context, path string, e *Engine, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}
	log = log.With().Str("component", "rewrite").Str("file", target).Logger()
	log.Debug().Msg("watching rule file")

	var timer *time.Timer
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			} else if filepath.Clean(ev.Name) != target {
				continue
			} else if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// coalesce the burst of events a single save produces
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDelay)
			reload = timer.C
		case <-reload:
			reload = nil
			if err := e.LoadFile(target); err != nil {
				log.Warn().Err(err).Msg("rule reload failed, keeping active rule set")
			} else {
				log.Info().Int("rules", e.Len()).Msg("rule file reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
