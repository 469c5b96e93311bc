package urpmiconfig

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	mdlog "github.com/jvdm/mdvpkg/internal/log"
)

var wlog = mdlog.WithComponent("ConfigWatcher")

// EventKind distinguishes a content change from a removal/rename of the
// watched configuration file.
type EventKind int

const (
	// Modified means the configuration file changed and should be
	// re-parsed.
	Modified EventKind = iota
	// Removed means the configuration file was deleted or moved away;
	// callers should clear their Media set.
	Removed
)

// Watcher watches a directory for modify/delete/move events on one
// configuration file within it, grounded on
// pkg/integrations/v4/logs/cfg_watcher.go's fsnotify watch/filter/signal
// shape.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	fileName string
}

// New creates a Watcher for fileName within dir. The watch is not
// started until Watch is called.
func New(dir, fileName string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	return &Watcher{watcher: fw, dir: dir, fileName: fileName}, nil
}

// Watch adds the directory to the underlying fsnotify watch and returns
// once it has been added. It delivers nothing by itself; Run does the
// delivery.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watching %s", w.dir)
	}
	return nil
}

// Run reads the underlying fsnotify events, filters them down to
// EventKind values for the one file this Watcher cares about, and sends
// those to out; sibling-file events are dropped. It blocks until the
// watcher is closed and does not close out.
func (w *Watcher) Run(out chan<- EventKind) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			kind, relevant := w.classify(event)
			if !relevant {
				wlog.WithField("event", event.String()).Debug("ignoring sibling file event")
				continue
			}
			out <- kind
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			wlog.WithError(err).Warn("fsnotify watch error")
		}
	}
}

func (w *Watcher) classify(event fsnotify.Event) (EventKind, bool) {
	if filepath.Base(event.Name) != w.fileName {
		return 0, false
	}
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return Removed, true
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		return Modified, true
	default:
		return 0, false
	}
}

// Close stops the watch.
func (w *Watcher) Close() error { return w.watcher.Close() }
