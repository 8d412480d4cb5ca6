package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange, debounced, whenever a plugin file in the registry
// directory is created, written, renamed or removed. It returns once the
// watcher is installed; watching stops when ctx is done. onChange runs on
// the watcher goroutine and should only post work to the consumer.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	go func() {
		defer w.Close()
		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !r.relevant(ev) {
					continue
				}
				timer.Reset(debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("plugin dir watcher error", "error", err)
			case <-timer.C:
				log.Debug("plugin dir changed")
				onChange()
			}
		}
	}()
	log.Info("watching plugin dir", "path", r.dir)
	return nil
}

func (r *Registry) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := strings.ToLower(filepath.Base(ev.Name))
	if strings.HasSuffix(name, ".part") {
		return false
	}
	return r.ext == "" || filepath.Ext(name) == r.ext
}
