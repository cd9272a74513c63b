package screen

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a dropped file must stay unchanged before import.
const DefaultSettle = 500 * time.Millisecond

// Watcher imports archives written into a directory.
type Watcher struct {
	fs     *fsnotify.Watcher
	settle time.Duration
	done   chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// WatchDir starts importing every archive created in dir. Writes to the same
// file restart its settle timer so partially copied files are not read.
func (c *Controller) WatchDir(ctx context.Context, dir string, settle time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	w := &Watcher{fs: fw, settle: settle, done: make(chan struct{}), timers: map[string]*time.Timer{}}

	c.mu.Lock()
	c.watchers = append(c.watchers, w)
	c.mu.Unlock()

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if !isArchive(event.Name) || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				c.logger.Debug("change detected", "file", event.Name, "op", event.Op.String())
				w.schedule(event.Name, func(path string) {
					c.ImportFiles(ctx, []string{path})
				})
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				c.logger.Error("watcher error", "error", err)
			}
		}
	}()
	c.logger.Info("watching import folder", "dir", dir)
	return w, nil
}

func (w *Watcher) schedule(path string, fn func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			fn(path)
		}
	})
}

// Close stops watching. Pending imports are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}
