package main

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchConfigFiles triggers reg.reload() whenever printcap or the perms
// file changes on disk, saving an operator the "kill -HUP" step after an
// edit. SIGHUP still works identically; this is a convenience on top of
// it, not a replacement — reload() is idempotent either way.
func watchConfigFiles(ctx context.Context, reg *registry, logger *zap.Logger) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config file watcher unavailable", zap.Error(err))
		return
	}
	defer w.Close()

	for _, p := range []string{reg.cfg.PrintcapPath, reg.cfg.PermPath} {
		if err := w.Add(p); err != nil {
			logger.Debug("not watching config file", zap.String("path", p), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Info("config file changed, reloading", zap.String("path", ev.Name))
			if err := reg.reload(); err != nil {
				logger.Warn("reload after config change failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
