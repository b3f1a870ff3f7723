package swmr

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/lumafs/shadowtick/internal/logger"
)

// Watcher nudges a reader to poll the shadow file ahead of its tick
// deadline. It is purely an accelerator: correctness rests entirely on the
// twin-tick validation in the reader engine, so missed or spurious events
// are harmless.
type Watcher struct {
	fw     *fsnotify.Watcher
	nudges chan struct{}
	done   chan struct{}
}

// WatchShadowFile watches the shadow file for writes. Each burst of writes
// produces at least one nudge on Nudges.
func WatchShadowFile(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create shadow-file watcher: %w", err)
	}

	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch shadow file %s: %w", path, err)
	}

	w := &Watcher{
		fw:     fw,
		nudges: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Nudges returns a channel that receives a value after the shadow file
// changes. Events are coalesced: a burst of writes may yield one nudge.
func (w *Watcher) Nudges() <-chan struct{} {
	return w.nudges
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case w.nudges <- struct{}{}:
			default:
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warn("shadow-file watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
