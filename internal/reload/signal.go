package reload

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// WatchSignal triggers a Reload on every SIGHUP until ctx is done.
func (c *Controller) WatchSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			slog.Info("received SIGHUP, reloading configuration")
			c.Reload()
		}
	}
}

// WatchFile triggers a Reload whenever the config file is written, for
// deployments that prefer file-watching over sending a signal. Optional:
// callers enable it explicitly (a --watch-config flag), since it adds a
// filesystem watch goroutine that most deployments don't need.
func (c *Controller) WatchFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					slog.Info("config file changed, reloading", "path", event.Name)
					c.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config file watch error", "error", err)
			}
		}
	}()

	return nil
}
