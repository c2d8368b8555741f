package spk

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a directory for kernel file changes and invokes a
// callback once a changed file has settled. Editors and downloaders
// write kernels in bursts, so events are debounced per path.
type Watcher struct {
	w        *fsnotify.Watcher
	dir      string
	onChange func(path string)
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]time.Time
	debounce time.Duration
}

// NewWatcher creates a Watcher over dir. onChange is called from the
// watcher goroutine with the settled kernel path.
func NewWatcher(dir string, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		w:        fw,
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		pending:  make(map[string]time.Time),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run processes events until ctx is cancelled. It always returns nil
// after cleanup; fsnotify errors are logged, not fatal.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	w.logger.Info("watching kernel directory", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("kernel watcher error", "error", err)

		case <-tick.C:
			w.fireSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".bsp") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// fireSettled invokes the callback for paths quiet past the debounce
// window.
func (w *Watcher) fireSettled() {
	now := time.Now()

	w.mu.Lock()
	var settled []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.logger.Info("kernel file changed", "path", filepath.Base(path))
		w.onChange(path)
	}
}
