// Package vmem allocates page granular memory whose protection can be
// changed, for placing and running loaded images.
package vmem

import (
	"fmt"
	"unsafe"

	"github.com/xyproto/barf/internal/engine"
)

// Protection is the access allowed to a range of pages
type Protection int

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
	ProtReadExec
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRead:
		return "r--"
	case ProtReadWrite:
		return "rw-"
	case ProtReadExec:
		return "r-x"
	default:
		return fmt.Sprintf("prot(%d)", int(p))
	}
}

// Region is one mapping. It starts out read-write.
type Region struct {
	mem []byte
}

// Alloc maps size bytes of zeroed read-write memory, rounded up to whole
// pages. With low32 the mapping is placed below 4 GiB where the platform
// allows it.
func Alloc(size uint64, low32 bool) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmem: empty allocation")
	}
	size = engine.AlignUp(size, engine.PageSize)
	mem, err := alloc(int(size), low32)
	if err != nil {
		return nil, fmt.Errorf("vmem: allocating %d bytes: %w", size, err)
	}
	return &Region{mem: mem}, nil
}

// Bytes returns the mapped memory
func (r *Region) Bytes() []byte {
	return r.mem
}

// Addr returns the address of the first byte
func (r *Region) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size returns the mapped length in bytes
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Protect changes the protection of the pages covering [off, off+size)
func (r *Region) Protect(off, size uint64, prot Protection) error {
	if r.mem == nil {
		return fmt.Errorf("vmem: region is closed")
	}
	if off%engine.PageSize != 0 {
		return fmt.Errorf("vmem: offset 0x%x is not page aligned", off)
	}
	end := engine.AlignUp(off+size, engine.PageSize)
	if end > uint64(len(r.mem)) || end < off {
		return fmt.Errorf("vmem: range 0x%x+0x%x outside region of 0x%x bytes", off, size, len(r.mem))
	}
	if end == off {
		return nil
	}
	if err := protect(r.mem[off:end], prot); err != nil {
		return fmt.Errorf("vmem: protecting 0x%x+0x%x as %s: %w", off, end-off, prot, err)
	}
	return nil
}

// Free unmaps the region. It is safe to call more than once.
func (r *Region) Free() error {
	if r.mem == nil {
		return nil
	}
	err := free(r.mem)
	r.mem = nil
	return err
}
