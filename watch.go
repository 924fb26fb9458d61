package phantom_probe

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.viam.com/rdk/logging"
)

// WatchPlan calls onChange with the reloaded plan each time the file is
// written or replaced. A plan that fails to load is logged and skipped. Runs
// until ctx is cancelled.
func WatchPlan(ctx context.Context, path string, logger logging.Logger, onChange func(*Plan)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(moduleDataPath(path))
	if _, err := os.Stat(path); err != nil {
		return err
	}
	// Watch the directory: editors that save by renaming a temp file over the
	// plan leave a watch on the file itself pointing at the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Debugf("watching plan %s", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			plan, err := LoadPlan(path)
			if err != nil {
				logger.Warnf("plan reload failed, keeping previous plan: %v", err)
				continue
			}
			logger.Infof("plan reloaded from %s", path)
			onChange(plan)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("plan watcher error: %v", err)
		}
	}
}
