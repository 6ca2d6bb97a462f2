package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xyproto/barf/internal/logger"
)

// Watcher watches files with kqueue
type Watcher struct {
	kq       int
	mu       sync.Mutex
	watchMap map[int]string
	debounce *debouncer
}

// New creates a watcher calling onChange with the absolute path of a file
// once it has been quiet for the debounce delay.
func New(debounce time.Duration, onChange func(string)) (*Watcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	return &Watcher{
		kq:       kq,
		watchMap: make(map[int]string),
		debounce: newDebouncer(debounce, onChange),
	}, nil
}

// Add starts watching path
func (w *Watcher) Add(path string) error {
	abs, err := absPath(path)
	if err != nil {
		return err
	}
	fd, err := unix.Open(abs, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", abs, err)
	}
	event := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_VNODE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
		Fflags: unix.NOTE_WRITE | unix.NOTE_ATTRIB | unix.NOTE_EXTEND,
	}
	if _, err := unix.Kevent(w.kq, []unix.Kevent_t{event}, nil, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("adding kevent for %s: %w", abs, err)
	}
	w.mu.Lock()
	w.watchMap[fd] = abs
	w.mu.Unlock()
	return nil
}

// Watch delivers events until ctx is done
func (w *Watcher) Watch(ctx context.Context) error {
	events := make([]unix.Kevent_t, 16)
	timeout := unix.NsecToTimespec(int64(200 * time.Millisecond))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := unix.Kevent(w.kq, nil, events, &timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reading kevent: %w", err)
		}
		for _, event := range events[:n] {
			w.mu.Lock()
			path := w.watchMap[int(event.Ident)]
			w.mu.Unlock()
			if path != "" {
				logger.Debug("File changed", "path", path, "fflags", event.Fflags)
				w.debounce.trigger(path)
			}
		}
	}
}

// Close stops pending callbacks and releases the descriptors
func (w *Watcher) Close() error {
	w.debounce.stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	for fd := range w.watchMap {
		unix.Close(fd)
	}
	return unix.Close(w.kq)
}
