package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/roomsync-labs/roomsync/internal/applog"
)

var watchLog = applog.Get("config")

// Watcher watches a config file on disk and calls onChange with the newly
// loaded Config whenever it is rewritten with valid JSON. Invalid writes
// (e.g. a half-written save) are logged and ignored; the previous Config
// stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	closed   chan struct{}
	onChange func(Config)
}

// WatchFile starts watching path for changes, invoking onChange on every
// valid reload. The returned Watcher must be closed by the caller.
func WatchFile(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		closed:   make(chan struct{}),
		onChange: onChange,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadPartial(w.path)
			if err != nil {
				watchLog.Warnw("config hot reload failed", "err", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				watchLog.Warnw("config hot reload produced invalid config, ignoring", "err", err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warnw("config watcher error", "err", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
