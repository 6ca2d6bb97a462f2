package loader

import (
	"github.com/ebitengine/purego"

	"github.com/xyproto/barf/internal/vmem"
)

// HostMemory allocates regions with vmem
type HostMemory struct{}

// Alloc maps a read-write region
func (HostMemory) Alloc(size uint64, low32 bool) (Region, error) {
	r, err := vmem.Alloc(size, low32)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HostExecutor calls native code with the C calling convention
type HostExecutor struct{}

// Call invokes fn and returns the integer result register
func (HostExecutor) Call(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}
