package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchDroneRegistry watches path for writes and calls onChange with the
// freshly parsed roster and the added/removed drone IDs relative to the
// previous load. It never mutates the registry in place; callers apply the
// diff through whatever component owns live drone state (internal/registry).
func WatchDroneRegistry(path string, logger *zap.Logger, onChange func(reg *DroneRegistry, added []DroneConfig, removed []string)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	current, err := LoadDroneRegistry(path)
	if err != nil {
		current = &DroneRegistry{}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := LoadDroneRegistry(path)
				if err != nil {
					logger.Warn("drone registry reload failed", zap.Error(err))
					continue
				}
				added, removed := current.Diff(next)
				current = next
				if len(added) == 0 && len(removed) == 0 {
					continue
				}
				logger.Info("drone registry changed", zap.Int("added", len(added)), zap.Int("removed", len(removed)))
				onChange(next, added, removed)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("drone registry watch error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
