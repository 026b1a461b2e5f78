package sheetgate

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const schemaReloadDebounce = 250 * time.Millisecond

// WatchSchemaFile reloads path whenever it changes and hands the parsed set
// to onChange. Invalid documents are logged and ignored so the previous set
// stays active. It blocks until ctx is done.
func WatchSchemaFile(ctx context.Context, path string, onChange func(*SchemaSet) error, logger Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(schemaReloadDebounce)
			} else {
				timer.Reset(schemaReloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("sheetgate: schema watch error: %v", err)
		case <-fire:
			fire = nil
			set, err := LoadSchemaFile(path)
			if err != nil {
				logf("sheetgate: schema reload skipped: %v", err)
				continue
			}
			if err := onChange(set); err != nil {
				logf("sheetgate: schema reload failed: %v", err)
			}
		}
	}
}
