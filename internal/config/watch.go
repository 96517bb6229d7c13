package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

type WatchOptions struct {
	Getenv   func(string) string
	Logger   zerolog.Logger
	Debounce time.Duration
}

// Watch reloads path whenever it changes and hands each valid config to
// onChange. The parent directory is watched so editors that replace the file
// are seen. Invalid files are logged and skipped. Watch returns once the
// watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = reloadDebounce
	}
	logger := opts.Logger.With().Str("component", "config").Str("path", abs).Logger()

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			case <-fire:
				fire = nil
				cfg, err := LoadWithEnv(abs, opts.Getenv, opts.Logger)
				if err != nil {
					logger.Error().Err(err).Msg("config reload rejected")
					continue
				}
				logger.Info().Msg("config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
