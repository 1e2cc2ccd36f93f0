package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
)

// debounceWindow coalesces bursts of filesystem events into one refresh.
const debounceWindow = 300 * time.Millisecond

// Watcher emits a signal when the workspace tree changes, debounced so a
// large save or branch switch produces a single refresh instead of hundreds.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *logging.Logger
	events chan struct{}
}

// Watch starts watching root and its subdirectories. The returned channel
// delivers one value per settled burst of changes; it closes when ctx ends.
func Watch(ctx context.Context, root string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{fsw: fsw, logger: logger, events: make(chan struct{}, 1)}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop(ctx)
	return w, nil
}

// Events delivers one signal per settled change burst.
func (w *Watcher) Events() <-chan struct{} { return w.events }

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".git" || name == "node_modules" {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("cannot watch directory", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.fsw.Close()
	defer close(w.events)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New directories need watches of their own.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addRecursive(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
