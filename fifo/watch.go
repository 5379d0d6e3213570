package fifo

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Watch calls fn whenever the pipe at path is removed or renamed away. The
// parent directory is watched because the entry itself is what disappears.
// Watching stops when ctx is done.
func Watch(ctx context.Context, path string, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create FIFO watcher")
	}

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					logrus.Trace("[ FIFO_WATCH ] ", ev)
					fn()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logrus.Warn("FIFO watcher: ", err)
			}
		}
	}()

	return nil
}
