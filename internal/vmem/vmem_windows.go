//go:build windows

package vmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Low32Supported reports whether Alloc can honor a low32 request
const Low32Supported = false

func alloc(size int, low32 bool) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func protect(mem []byte, prot Protection) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), windowsProt(prot), &old)
}

func windowsProt(prot Protection) uint32 {
	switch prot {
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtReadWrite:
		return windows.PAGE_READWRITE
	case ProtReadExec:
		return windows.PAGE_EXECUTE_READ
	default:
		return windows.PAGE_NOACCESS
	}
}

func free(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
