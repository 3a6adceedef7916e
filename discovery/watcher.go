package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors plugin roots for changes and triggers a rescan callback,
// debounced so editor save bursts collapse into one rescan. Used when hot
// reload is enabled.
type Watcher struct {
	roots    []string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher over the plugin roots. onChange fires after
// the debounce window closes.
func NewWatcher(roots []string, debounce time.Duration, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		roots:    roots,
		debounce: debounce,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start begins watching every existing root recursively.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsw

	for _, root := range w.roots {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		if err := addRecursive(fsw, root); err != nil {
			_ = fsw.Close()
			return err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fsWatcher != nil {
			_ = w.fsWatcher.Close()
		}
		w.wg.Wait()
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// New directories must join the watch set so plugins dropped
			// into fresh subdirectories are seen.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(w.fsWatcher, event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Debug("plugin change detected, rescanning")
			w.onChange()
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // unreadable subtrees are skipped
		}
		return fsw.Add(path)
	})
}
