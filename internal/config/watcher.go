package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// LocationPreferences receives region preference changes
type LocationPreferences interface {
	SetPreferredLocations(locations []string)
	SetExcludedRegions(regions []string)
}

// Watcher reloads the config file when it changes and notifies callbacks.
// Only settings that are safe to change at runtime are acted upon by the
// callbacks; the rest require a restart.
type Watcher struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	current   *Config
	callbacks []func(old, updated *Config)

	logger *zap.Logger
}

// NewWatcher creates a watcher for path, starting from the already loaded initial config
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		current:  initial,
		logger:   logger,
	}
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(callback func(old, updated *Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Current returns the most recently loaded config
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the config file until ctx is cancelled. The parent directory
// is watched so that atomic replacement by rename is seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.logger.Info("Watching configuration file", zap.String("path", w.path))

	target := filepath.Clean(w.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.Reload)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-ctx.Done():
			w.logger.Info("Stopping configuration watcher")
			return nil
		}
	}
}

// Reload re-reads the file. An invalid file is logged and ignored.
func (w *Watcher) Reload() {
	updated, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("Invalid configuration after reload", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, updated)
	}

	w.logger.Info("Configuration reloaded", zap.Int("callbacks_notified", len(callbacks)))
}

// ApplyLocationPreferences returns a callback that pushes changed preferred
// locations and excluded regions into target
func ApplyLocationPreferences(target LocationPreferences, logger *zap.Logger) func(old, updated *Config) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(old, updated *Config) {
		if old == nil || !slices.Equal(old.Account.PreferredLocations, updated.Account.PreferredLocations) {
			target.SetPreferredLocations(updated.Account.PreferredLocations)
			logger.Info("Applied preferred locations from config",
				zap.Strings("preferred_locations", updated.Account.PreferredLocations))
		}
		if old == nil || !slices.Equal(old.Account.ExcludedRegions, updated.Account.ExcludedRegions) {
			target.SetExcludedRegions(updated.Account.ExcludedRegions)
			logger.Info("Applied excluded regions from config",
				zap.Strings("excluded_regions", updated.Account.ExcludedRegions))
		}
	}
}
