package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/barf/internal/logger"
)

const inotifyMask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_ATTRIB

// Watcher watches files with inotify
type Watcher struct {
	fd       int
	mu       sync.Mutex
	watchMap map[int]string
	debounce *debouncer
}

// New creates a watcher calling onChange with the absolute path of a file
// once it has been quiet for the debounce delay.
func New(debounce time.Duration, onChange func(string)) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init: %w", err)
	}
	return &Watcher{
		fd:       fd,
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
	wd, err := unix.InotifyAddWatch(w.fd, abs, inotifyMask)
	if err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	w.mu.Lock()
	w.watchMap[wd] = abs
	w.mu.Unlock()
	return nil
}

// Watch delivers events until ctx is done
func (w *Watcher) Watch(ctx context.Context) error {
	buf := make([]byte, (unix.SizeofInotifyEvent+unix.NAME_MAX+1)*16)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("reading inotify events: %w", err)
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)
			if event.Mask&inotifyMask == 0 {
				continue
			}
			w.mu.Lock()
			path := w.watchMap[int(event.Wd)]
			w.mu.Unlock()
			if path != "" {
				logger.Debug("File changed", "path", path, "mask", event.Mask)
				w.debounce.trigger(path)
			}
		}
	}
}

// Close stops pending callbacks and releases the inotify descriptor
func (w *Watcher) Close() error {
	w.debounce.stop()
	return unix.Close(w.fd)
}
