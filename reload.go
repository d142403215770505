package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/fieldsync/internal/config"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// reloader re-resolves the config on SIGHUP or when the config file changes.
// Only the log level applies live; other changed sections are reported as
// needing a restart.
type reloader struct {
	holder  *config.Holder
	level   *slog.LevelVar
	flags   CLIFlags
	resolve func() (*config.Config, error)
	logger  *slog.Logger
}

// reload resolves the config again and applies what can change at runtime.
// An invalid file keeps the running config.
func (r *reloader) reload() {
	next, err := r.resolve()
	if err != nil {
		r.logger.Error("config reload failed, keeping current config", slog.String("error", err.Error()))
		return
	}

	prev := r.holder.Config()
	r.holder.Update(next)
	r.level.Set(logLevel(next.Logging.LogLevel, r.flags))

	if restart := restartSections(prev, next); len(restart) > 0 {
		r.logger.Warn("config changes need a restart to take effect", slog.Any("sections", restart))
	}

	r.logger.Info("config reloaded", slog.String("path", r.holder.Path()))
}

// restartSections names the sections other than [logging] that differ.
func restartSections(prev, next *config.Config) []string {
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()

	var changed []string

	for i := range t.NumField() {
		name := t.Field(i).Tag.Get("toml")
		if name == "logging" {
			continue
		}

		if !reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, name)
		}
	}

	return changed
}

// watch reloads on SIGHUP and on writes to the config file until ctx ends.
// The directory is watched rather than the file so atomic rename-on-save
// editors are seen.
func (r *reloader) watch(ctx context.Context, hup <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()

	path := filepath.Clean(r.holder.Path())

	if err := w.Add(filepath.Dir(path)); err != nil {
		// A missing config directory is fine; SIGHUP still works.
		r.logger.Debug("not watching config directory", slog.String("error", err.Error()))
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			r.logger.Info("received SIGHUP, reloading config")
			r.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}

			fire = debounce.C
		case <-fire:
			fire = nil
			r.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			r.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
