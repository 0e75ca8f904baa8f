package main

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
)

// monitorDatabase reimports path into ch whenever the file changes. Editors
// that replace the file show up as a remove, after which the path is
// watched again.
func monitorDatabase(ctx context.Context, lg *zap.SugaredLogger, path string, ch *bus.Channel) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		lg.Warnw("unable to create new watcher to monitor for database changes", "error", err.Error())
		return
	}

	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(path); err != nil {
		lg.Warnw("unable to add file to monitor for database changes", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				lg.Warnw("watcher to monitor for database changes shutting down")
				return
			}

			lg.Debugw("database file event detected", "event", event.String())

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Remove == fsnotify.Remove {
				if err := ch.SetDatabase(path); err != nil {
					lg.Warnw("unable to import database upon change", "error", err.Error())
				} else {
					lg.Infow("database reloaded", "path", path)
				}

				if event.Op&fsnotify.Remove == fsnotify.Remove {
					_ = watcher.Remove(path)

					if err := watcher.Add(path); err != nil {
						lg.Warnw("unable to add file to monitor for database changes", "error", err.Error())
						return
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				lg.Warnw("watcher to monitor for database changes shutting down")
				return
			}

			lg.Warnw("error watching database file", "error", err.Error())
		}
	}
}
