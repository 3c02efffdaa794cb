package config

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// PatternWatcher watches FilterConfig.PatternFile for changes and invokes
// onChange with the newly read bytes, expanded via ExpandEnv. Mirrors the
// config-reload idiom used elsewhere in the retrieved pack (fsnotify driving
// a live-reload instead of requiring a restart).
type PatternWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// WatchPatternFile starts watching path; onChange is invoked (in a
// background goroutine) on every write event. Returns nil, nil if path is
// empty — hot reload is simply not configured.
func WatchPatternFile(path string, onChange func([]byte)) (*PatternWatcher, error) {
	if path == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	pw := &PatternWatcher{watcher: w, path: path, done: make(chan struct{})}
	go pw.run(onChange)
	return pw, nil
}

func (pw *PatternWatcher) run(onChange func([]byte)) {
	log := slog.With("component", "config.watch", "path", pw.path)
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(pw.path)
			if err != nil {
				log.Warn("failed to reload pattern file", "error", err)
				continue
			}
			log.Info("pattern file changed, reloading")
			onChange(ExpandEnv(data))
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", "error", err)
		case <-pw.done:
			return
		}
	}
}

// Close stops the watcher.
func (pw *PatternWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
