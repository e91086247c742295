package state

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Watcher observes state.json writes under the storage root and reports
// which plan changed. The runner uses it to rehydrate its in-memory copy
// when a newer snapshot appears on disk.
type Watcher struct {
	root     string
	notify   func(core.PlanID)
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	debounce time.Duration
}

// NewWatcher creates a watcher over the store root. notify is called from
// the watcher goroutine; it must be cheap and non-blocking.
func NewWatcher(store *FileStore, notify func(core.PlanID), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, core.ErrIO("WATCH_INIT", "creating fsnotify watcher").WithCause(err)
	}
	w := &Watcher{
		root:     store.Root(),
		notify:   notify,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return nil, core.ErrIO("WATCH_ADD", "watching storage root").WithCause(err)
	}
	// Watch existing plan directories; new ones are added as they appear.
	ids, err := store.ListPlanIDs()
	if err == nil {
		for _, id := range ids {
			_ = fsw.Add(filepath.Join(w.root, string(id)))
		}
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	// Debounce per plan: atomic writes produce create+rename bursts.
	pending := make(map[core.PlanID]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, pending)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", "error", err)
		case now := <-ticker.C:
			for id, due := range pending {
				if now.After(due) {
					delete(pending, id)
					w.notify(id)
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, pending map[core.PlanID]time.Time) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new plan directory appeared: start watching it.
	if len(parts) == 1 && event.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
		return
	}

	if len(parts) == 2 && parts[1] == stateFile &&
		(event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename)) {
		pending[core.PlanID(parts[0])] = time.Now().Add(w.debounce)
	}
}
