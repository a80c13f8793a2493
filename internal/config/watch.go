package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands each
// valid new version to the callback. Invalid edits are logged and skipped so
// a half-saved file never replaces a working configuration.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// Watch starts watching path. Editors commonly replace files via rename, so
// the parent directory is watched and events filtered by name.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: watcher,
		closed:  make(chan struct{}),
	}
	go w.watchLoop(onChange)

	log.Printf("CONFIG: watching %s", path)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(onChange func(Config)) {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload failed for %s: %v", w.path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
