package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands each
// valid new snapshot to onChange. Invalid or half-written files are logged
// and skipped; the previous snapshot stays in effect. Editors tend to fire
// several events per save, so reloads are debounced.
//
// Watch blocks until ctx is cancelled; run it in its own goroutine.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: many editors replace the file on
	// save, which would invalidate a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload skipped: %v", err)
					return
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}
