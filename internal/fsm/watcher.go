package fsm

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/covey/internal/log"
)

// Watcher monitors the task directory for records edited outside the
// engine (external tools, manual fixes) and reports the affected task ids
// after a debounce window.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	changed   chan []string
	done      chan struct{}
}

// NewWatcher creates a watcher over the task directory. debounce <= 0
// defaults to one second.
func NewWatcher(dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		dir:       dir,
		debounce:  debounce,
		changed:   make(chan []string, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The returned channel delivers batches of task ids
// whose files changed; batches coalesce within the debounce window.
func (w *Watcher) Start() (<-chan []string, error) {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching task dir %s: %w", w.dir, err)
	}
	go w.loop()
	return w.changed, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	pending := make(map[string]bool)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			id, ok := w.taskID(event)
			if !ok {
				continue
			}
			pending[id] = true

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC(timer):
			if len(pending) == 0 {
				continue
			}
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			pending = make(map[string]bool)

			select {
			case w.changed <- ids:
			default:
				// A batch is already waiting; fold into the next window.
				for _, id := range ids {
					pending[id] = true
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatFSM, "Task watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// taskID extracts the task id from a relevant event. Temp files from the
// store's atomic writes are ignored; only the post-rename record counts.
func (w *Watcher) taskID(event fsnotify.Event) (string, bool) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return "", false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".tmp-") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
