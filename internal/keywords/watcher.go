package keywords

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"convoguard/internal/logging"
)

// Watcher invalidates cache entries when watched keyword files change on
// disk. The mtime check in Cache.Load already catches edits; the watcher
// just makes invalidation immediate instead of lazy.
type Watcher struct {
	watcher *fsnotify.Watcher
	cache   *Cache
	done    chan struct{}
}

// NewWatcher starts watching the given paths. Paths that cannot be watched
// are logged and skipped.
func NewWatcher(cache *Cache, paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{watcher: fsw, cache: cache, done: make(chan struct{})}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsw.Add(p); err != nil {
			logging.KeywordsWarn("Cannot watch %s: %v", p, err)
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.cache.Invalidate(event.Name)
				logging.Keywords("Keyword source changed, cache invalidated: %s", event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.KeywordsWarn("Watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
