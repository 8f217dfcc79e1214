package observer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/dataset"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// DatasetStore is the slice of the run store the watcher needs.
type DatasetStore interface {
	UpsertDataset(d *domain.Dataset) error
}

// DatasetWatcher registers dataset files dropped into the datasets
// directory. Create and write events are debounced so a file being copied
// in chunks is validated once, after it settles.
type DatasetWatcher struct {
	watcher  *fsnotify.Watcher
	store    DatasetStore
	log      *logrus.Logger
	callback func(*domain.Dataset)
	dir      string

	debounce time.Duration
	pending  map[string]struct{}
	timer    *time.Timer
	mu       sync.Mutex

	cancel context.CancelFunc
}

// NewDatasetWatcher creates a watcher for the given datasets directory.
func NewDatasetWatcher(dir string, store DatasetStore, log *logrus.Logger) (*DatasetWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &DatasetWatcher{
		watcher:  watcher,
		store:    store,
		log:      log,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// SetCallback registers a hook fired after each dataset is recorded.
// Set it before Start.
func (w *DatasetWatcher) SetCallback(fn func(*domain.Dataset)) {
	w.callback = fn
}

// SetDebounce sets the debounce duration for batching file events.
func (w *DatasetWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start creates the datasets directory if needed and begins watching it.
func (w *DatasetWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("Dataset watcher error")
			}
		}
	}()

	return nil
}

// Stop stops watching for file changes.
func (w *DatasetWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func isDatasetFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".json", ".csv":
		return true
	}
	return false
}

func (w *DatasetWatcher) handleEvent(event fsnotify.Event) {
	if !isDatasetFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *DatasetWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range pending {
		w.register(path)
	}
}

func (w *DatasetWatcher) register(path string) {
	// The file may be gone by the time the debounce fires.
	if _, err := os.Stat(path); err != nil {
		return
	}

	res := dataset.Validate(path)
	d := dataset.Record(path, "local", res)

	if err := w.store.UpsertDataset(d); err != nil {
		w.log.WithError(err).WithField("dataset", d.Name).Warn("Recording dataset failed")
		return
	}

	entry := w.log.WithFields(logrus.Fields{
		"dataset": d.Name,
		"valid":   res.Valid,
	})
	if res.Valid {
		entry.Info("Dataset registered")
	} else {
		entry.WithField("errors", strings.Join(res.Errors, "; ")).Warn("Dataset registered with validation errors")
	}

	if w.callback != nil {
		w.callback(d)
	}
}
