package storage

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long the watcher waits for a burst of events on one
// key to settle before reporting it.
const WatchDebounce = 200 * time.Millisecond

// ChangeCallback is called with the key whose file was modified by someone
// other than the FS it is watching.
type ChangeCallback func(key string)

// Watch reports external modification of keys stored in f until ctx is
// cancelled. Writes made through f itself are recognised by checksum and
// ignored. Another writer is never coordinated with; its change is only
// surfaced.
func Watch(ctx context.Context, f *FS, logger *slog.Logger, cb ChangeCallback) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(f.root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", f.root))

	dirty := make(map[string]struct{})
	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(WatchDebounce)
			timerCh = timer.C
		} else {
			timer.Reset(WatchDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			for key := range dirty {
				delete(dirty, key)
				abs, err := f.safePath(key)
				if err != nil {
					continue
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					logger.Warn("watcher: read failed", slog.String("key", key), slog.String("error", err.Error()))
					continue
				}
				if f.ownWrite(key, data) {
					continue
				}
				logger.Debug("watcher: external change", slog.String("key", key))
				if cb != nil {
					cb(key)
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			key, ok := f.keyOf(ev.Name)
			if !ok {
				continue
			}
			dirty[key] = struct{}{}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
