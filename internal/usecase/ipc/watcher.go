package ipc

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the fallback drain interval.
const DefaultPollInterval = time.Second

// Watcher drains a Consumer whenever its directory changes, and on a poll
// ticker in case filesystem notifications are unavailable or missed.
type Watcher struct {
	consumer *Consumer
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(consumer *Consumer, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{consumer: consumer, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.consumer.Dir()); err != nil {
			w.logger.Warn("ipc watch failed, polling only", "dir", w.consumer.Dir(), "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Renames into the directory surface as Create.
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.drain(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("ipc watcher error", "error", err)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Watcher) drain(ctx context.Context) {
	if _, err := w.consumer.Drain(ctx); err != nil && ctx.Err() == nil {
		w.logger.Debug("ipc drain incomplete", "error", err)
	}
}
