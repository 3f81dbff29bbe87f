package watcher

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/rtdecnef/internal/monitoring"
)

// Notifier turns fsnotify create and write events in one directory into
// coalesced wake-ups for a Watcher.
type Notifier struct {
	w    *fsnotify.Watcher
	wake chan struct{}
	done chan struct{}
}

// NewNotifier starts watching dir.
func NewNotifier(dir string) (*Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	n := &Notifier{w: w, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()
	return n, nil
}

// Wake delivers at most one pending signal per burst of events.
func (n *Notifier) Wake() <-chan struct{} { return n.wake }

func (n *Notifier) run() {
	defer close(n.done)
	log := monitoring.Logger().WithField("component", "notifier")
	for {
		select {
		case event, ok := <-n.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("fsnotify error; relying on polling")
		}
	}
}

// Close stops watching.
func (n *Notifier) Close() error {
	err := n.w.Close()
	<-n.done
	return err
}
