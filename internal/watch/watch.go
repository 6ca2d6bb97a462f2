// Package watch reports changes to a set of files, coalescing bursts of
// writes into one callback per file.
package watch

import (
	"path/filepath"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a change is reported
const DefaultDebounce = 500 * time.Millisecond

// debouncer delays callbacks until a path has been quiet for delay.
// Callbacks never run concurrently, even for different paths.
type debouncer struct {
	mu       sync.Mutex
	run      sync.Mutex
	delay    time.Duration
	timers   map[string]*time.Timer
	onChange func(string)
}

func newDebouncer(delay time.Duration, onChange func(string)) *debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &debouncer{
		delay:    delay,
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

func (d *debouncer) trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.timers[path]; exists {
		timer.Stop()
	}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.run.Lock()
		defer d.run.Unlock()
		d.onChange(path)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
}

func absPath(path string) (string, error) {
	return filepath.Abs(path)
}
