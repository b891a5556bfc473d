package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle is how long the file must be quiet before a burst of writes is
// reloaded as one change.
const settle = 100 * time.Millisecond

// Watch reloads path whenever it changes on disk and calls onChange with the
// new Config and the top-level sections that differ from the previous one.
// It runs until ctx is cancelled.
//
// The parent directory is watched so saves that replace the file are seen.
// A reload that fails validation is logged and skipped, keeping the previous
// config; a reload with no effective difference does not call onChange.
func Watch(ctx context.Context, path string, onChange func(next *Config, changed []string)) error {
	path = filepath.Clean(path)
	current, err := Load(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	slog.Info("config: watching for changes", "path", path)

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			changed := Diff(current, next)
			if len(changed) == 0 {
				slog.Debug("config: file touched, no changes", "path", path)
				continue
			}
			slog.Info("config: reloaded", "path", path, "changed", changed, "log_level", next.Log.SlogLevel().String())
			current = next
			onChange(next, changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// Diff returns the YAML names of the top-level sections that differ between
// prev and next, in file order.
func Diff(prev, next *Config) []string {
	pv := reflect.ValueOf(prev).Elem()
	nv := reflect.ValueOf(next).Elem()
	t := pv.Type()
	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		changed = append(changed, yamlName(t.Field(i)))
	}
	return changed
}

// RestartRequired reports whether any changed section is only read at
// startup. Logging is the one section applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "log" {
			return true
		}
	}
	return false
}

func yamlName(f reflect.StructField) string {
	tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if tag == "" {
		return f.Name
	}
	return tag
}
