package catalog

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog whenever the backing file changes, so provider
// descriptors can be tuned without a process restart. onReload (optional) is
// invoked after each successful swap, e.g. to re-register rate-limit buckets.
// The returned stop function closes the watcher.
func (c *Catalog) Watch(path string, onReload func(*Catalog)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				next, err := Load(path)
				if err != nil {
					// Keep serving the last good catalog.
					zap.L().Error("catalog reload failed; keeping previous",
						zap.String("path", path),
						zap.Error(err),
					)
					continue
				}
				c.replace(next)
				zap.L().Info("catalog reloaded",
					zap.String("path", path),
					zap.Int("providers", c.Len()),
				)
				if onReload != nil {
					onReload(c)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				zap.L().Warn("catalog watcher error", zap.Error(err))
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
