package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/vmem"
)

// Memory flags of mem__map and mem__mapflag
const (
	MemRead  = 0x1
	MemWrite = 0x2
	MemExec  = 0x4
)

// File flags of fs__open
const (
	FSRead  = 0x1
	FSWrite = 0x2

	// FSInvalidHandle is returned by fs__open on failure
	FSInvalidHandle = 0xFFFFFFFF
)

// MaxHandles is the number of files a program can keep open
const MaxHandles = 100

// Host implements the platform functions on top of the Go runtime. Its
// functions take and return machine words so they can be exposed to native
// code as C callbacks.
type Host struct {
	mu     sync.Mutex
	out    io.Writer
	exit   func(int)
	files  [MaxHandles]*os.File
	allocs map[uintptr][]byte
	maps   map[uintptr]*vmem.Region

	once  sync.Once
	table Map
}

// NewHost returns a host writing log output to out and exiting through exit.
// A nil out means os.Stderr, a nil exit means os.Exit.
func NewHost(out io.Writer, exit func(int)) *Host {
	if out == nil {
		out = os.Stderr
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Host{
		out:    out,
		exit:   exit,
		allocs: make(map[uintptr][]byte),
		maps:   make(map[uintptr]*vmem.Region),
	}
}

var (
	defaultHost     *Host
	defaultHostOnce sync.Once
)

// Default returns the process wide host. Native callbacks can never be
// released, so programs share this one.
func Default() *Host {
	defaultHostOnce.Do(func() {
		defaultHost = NewHost(nil, nil)
	})
	return defaultHost
}

// SetOutput redirects log__printf
func (h *Host) SetOutput(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = w
}

// SetExit replaces what proc__exit calls
func (h *Host) SetExit(fn func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exit = fn
}

// Table returns the host functions as native callable addresses. The
// callbacks are created on first use.
func (h *Host) Table() Table {
	h.once.Do(func() {
		h.table = Map{
			"mem__alloc":   purego.NewCallback(h.MemAlloc),
			"mem__map":     purego.NewCallback(h.MemMap),
			"mem__mapflag": purego.NewCallback(h.MemMapFlag),
			"mem__unmap":   purego.NewCallback(h.MemUnmap),
			"fs__open":     purego.NewCallback(h.FSOpen),
			"fs__close":    purego.NewCallback(h.FSClose),
			"fs__info":     purego.NewCallback(h.FSInfo),
			"fs__read":     purego.NewCallback(h.FSRead),
			"fs__write":    purego.NewCallback(h.FSWrite),
			"log__printf":  purego.NewCallback(h.LogPrintf),
			"proc__exit":   purego.NewCallback(h.ProcExit),
		}
	})
	return h.table
}

// Close releases every file, allocation and mapping still held
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for i, f := range h.files {
		if f != nil {
			errs = append(errs, f.Close())
			h.files[i] = nil
		}
	}
	for addr, r := range h.maps {
		errs = append(errs, r.Free())
		delete(h.maps, addr)
	}
	clear(h.allocs)
	return errors.Join(errs...)
}

// MemAlloc is malloc, realloc and free in one: size 0 frees old, a zero old
// allocates, anything else resizes.
func (h *Host) MemAlloc(size, old uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, known := h.allocs[old]
	if old != 0 && !known {
		logger.Warn("mem__alloc on unknown pointer", "ptr", old)
		return 0
	}
	if size == 0 {
		delete(h.allocs, old)
		return 0
	}
	// Go heap memory does not move; the map keeps it reachable.
	buf := make([]byte, size+15)
	addr := (Address(buf) + 15) &^ 15
	block := buf[addr-Address(buf):][:size]
	if known {
		copy(block, prev)
		delete(h.allocs, old)
	}
	h.allocs[addr] = block
	return addr
}

func protection(flags uintptr) vmem.Protection {
	switch {
	case flags&MemExec != 0:
		return vmem.ProtReadExec
	case flags&MemWrite != 0:
		return vmem.ProtReadWrite
	case flags&MemRead != 0:
		return vmem.ProtRead
	default:
		return vmem.ProtNone
	}
}

// MemMap maps fresh pages. The address hint is ignored.
func (h *Host) MemMap(_, size, flags uintptr) uintptr {
	r, err := vmem.Alloc(uint64(size), false)
	if err != nil {
		logger.Warn("mem__map failed", "size", size, "error", err)
		return 0
	}
	if prot := protection(flags); prot != vmem.ProtReadWrite {
		if err := r.Protect(0, r.Size(), prot); err != nil {
			r.Free()
			logger.Warn("mem__map failed", "size", size, "error", err)
			return 0
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maps[r.Addr()] = r
	return r.Addr()
}

func (h *Host) region(addr uintptr) (*vmem.Region, uint64, bool) {
	for base, r := range h.maps {
		if addr >= base && uint64(addr-base) < r.Size() {
			return r, uint64(addr - base), true
		}
	}
	return nil, 0, false
}

// MemMapFlag changes the protection of mapped pages
func (h *Host) MemMapFlag(addr, size, flags uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, off, ok := h.region(addr)
	if !ok {
		logger.Warn("mem__mapflag on unmapped address", "addr", addr)
		return 0
	}
	if err := r.Protect(off, uint64(size), protection(flags)); err != nil {
		logger.Warn("mem__mapflag failed", "addr", addr, "error", err)
		return 0
	}
	return 1
}

// MemUnmap releases a mapping made by MemMap
func (h *Host) MemUnmap(addr, _ uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.maps[addr]
	if !ok {
		return 0
	}
	delete(h.maps, addr)
	if err := r.Free(); err != nil {
		logger.Warn("mem__unmap failed", "addr", addr, "error", err)
		return 0
	}
	return 1
}

// FSOpen opens the file named by the C string at path
func (h *Host) FSOpen(path, flags uintptr) uintptr {
	name := GoString(path)
	var mode int
	switch {
	case flags&FSRead != 0 && flags&FSWrite != 0:
		mode = os.O_RDWR | os.O_CREATE
	case flags&FSWrite != 0:
		mode = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case flags&FSRead != 0:
		mode = os.O_RDONLY
	default:
		return FSInvalidHandle
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	slot := -1
	for i, f := range h.files {
		if f == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		logger.Warn("fs__open: out of handles", "path", name)
		return FSInvalidHandle
	}
	f, err := os.OpenFile(name, mode, 0o644)
	if err != nil {
		logger.Debug("fs__open failed", "path", name, "error", err)
		return FSInvalidHandle
	}
	h.files[slot] = f
	logger.Debug("fs__open", "path", name, "handle", slot, "flags", flags)
	return uintptr(slot)
}

func (h *Host) file(handle uintptr) *os.File {
	if uint64(handle) >= MaxHandles {
		return nil
	}
	return h.files[handle]
}

// FSClose closes a handle
func (h *Host) FSClose(handle uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.file(handle)
	if f == nil {
		return 0
	}
	h.files[handle] = nil
	if err := f.Close(); err != nil {
		logger.Debug("fs__close failed", "handle", handle, "error", err)
	}
	return 1
}

// FSInfo fills the FSInfo struct at info: u64 file_size, bool is_directory
func (h *Host) FSInfo(handle, info uintptr) uintptr {
	h.mu.Lock()
	f := h.file(handle)
	h.mu.Unlock()
	if f == nil || info == 0 {
		return 0
	}
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	out := Bytes(info, 9)
	binary.LittleEndian.PutUint64(out, uint64(st.Size()))
	out[8] = 0
	if st.IsDir() {
		out[8] = 1
	}
	return 1
}

// FSRead reads size bytes at offset into buf and returns the count read
func (h *Host) FSRead(handle, offset, buf, size uintptr) uintptr {
	h.mu.Lock()
	f := h.file(handle)
	h.mu.Unlock()
	if f == nil || buf == 0 {
		return 0
	}
	n, err := f.ReadAt(Bytes(buf, uint64(size)), int64(offset))
	if err != nil && err != io.EOF {
		logger.Debug("fs__read failed", "handle", handle, "error", err)
	}
	return uintptr(n)
}

// FSWrite writes size bytes from buf at offset and returns the count written
func (h *Host) FSWrite(handle, offset, buf, size uintptr) uintptr {
	h.mu.Lock()
	f := h.file(handle)
	h.mu.Unlock()
	if f == nil || buf == 0 {
		return 0
	}
	n, err := f.WriteAt(Bytes(buf, uint64(size)), int64(offset))
	if err != nil {
		logger.Debug("fs__write failed", "handle", handle, "error", err)
	}
	return uintptr(n)
}

// LogPrintf formats like printf. Integer and pointer arguments arrive in the
// argument registers and on the stack, so a fixed number of words is taken.
func (h *Host) LogPrintf(format, a1, a2, a3, a4, a5, a6, a7, a8, a9, a10, a11 uintptr) uintptr {
	args := NewArgs(uint64(a1), uint64(a2), uint64(a3), uint64(a4), uint64(a5),
		uint64(a6), uint64(a7), uint64(a8), uint64(a9), uint64(a10), uint64(a11))
	s := Sprintf(GoString(format), args, GoString)
	h.mu.Lock()
	defer h.mu.Unlock()
	n, _ := io.WriteString(h.out, s)
	return uintptr(n)
}

// ProcExit ends the process with the given status
func (h *Host) ProcExit(code uintptr) uintptr {
	h.mu.Lock()
	exit := h.exit
	h.mu.Unlock()
	exit(int(int32(code)))
	return 0
}

// String describes the host state, for debugging
func (h *Host) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	open := 0
	for _, f := range h.files {
		if f != nil {
			open++
		}
	}
	return fmt.Sprintf("host{files: %d, allocs: %d, maps: %d}", open, len(h.allocs), len(h.maps))
}
