package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch monitors the given config files and calls onChange (debounced) when
// any of them is created, written, or removed. It blocks until ctx is
// cancelled. Typical use is to drive a manager reload.
func Watch(ctx context.Context, paths []string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := make(map[string]bool, len(paths))
	for _, path := range paths {
		watched[path] = true
		_ = watcher.Add(path) // a path may not exist yet; ignore
	}

	if len(watched) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	var (
		mu            sync.Mutex
		pending       bool
		debounceTimer *time.Timer
	)
	fire := func() {
		mu.Lock()
		pending = false
		mu.Unlock()
		onChange()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[event.Name] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(watchDebounce, fire)
			} else {
				debounceTimer.Reset(watchDebounce)
			}
			mu.Unlock()

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
