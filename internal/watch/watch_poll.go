//go:build !linux && !darwin

package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/xyproto/barf/internal/logger"
)

// PollInterval is how often modification times are compared
const PollInterval = 500 * time.Millisecond

// Watcher polls modification times
type Watcher struct {
	mu       sync.Mutex
	watchMap map[string]time.Time
	debounce *debouncer
}

// New creates a watcher calling onChange with the absolute path of a file
// once it has been quiet for the debounce delay.
func New(debounce time.Duration, onChange func(string)) (*Watcher, error) {
	return &Watcher{
		watchMap: make(map[string]time.Time),
		debounce: newDebouncer(debounce, onChange),
	}, nil
}

// Add starts watching path
func (w *Watcher) Add(path string) error {
	abs, err := absPath(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.watchMap[abs] = info.ModTime()
	w.mu.Unlock()
	return nil
}

// Watch delivers events until ctx is done
func (w *Watcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.check()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) check() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, last := range w.watchMap {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(last) {
			logger.Debug("File changed", "path", path)
			w.debounce.trigger(path)
		}
		w.watchMap[path] = info.ModTime()
	}
}

// Close stops pending callbacks
func (w *Watcher) Close() error {
	w.debounce.stop()
	return nil
}
