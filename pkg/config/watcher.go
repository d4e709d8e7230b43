package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/verityci/verity/pkg/telemetry"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into a single reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the manifest when its file changes on disk and hands the
// freshly parsed manifest to a callback. A manifest that fails to parse is
// logged and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	log      *telemetry.Logger
	onReload func(*Manifest)

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching the manifest at path. onReload is invoked from
// the watcher goroutine for every successful reload.
func NewWatcher(path string, log *telemetry.Logger, onReload func(*Manifest)) (*Watcher, error) {
	if log == nil {
		log = telemetry.Nop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save,
	// which would invalidate a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		log:      log.NewComponentLogger("config-watcher"),
		onReload: onReload,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			pending = debounce.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("manifest watch error")
		}
	}
}

func (w *Watcher) reload() {
	manifest, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("ignoring manifest change that failed to load")
		return
	}

	w.log.Infof("manifest reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(manifest)
	}
}
