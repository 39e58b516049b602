package module

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay lets a burst of events (copy, chmod) settle before reloading
const reloadDelay = 250 * time.Millisecond

// Watch reloads the external modules whenever dir changes, until ctx is
// done. The directory must exist.
func (t *Table) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create module watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	log := t.log.With("dir", dir)
	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
					continue
				}
				log.Debug("module dir changed", "event", ev.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					if ctx.Err() != nil {
						return
					}
					if _, err := t.LoadDir(ctx, dir); err != nil {
						log.Error("module reload failed", "error", err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("module watcher failed", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
