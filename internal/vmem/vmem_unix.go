//go:build unix

package vmem

import (
	"golang.org/x/sys/unix"
)

func alloc(size int, low32 bool) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if low32 {
		flags |= mapLow32
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
}

func protect(mem []byte, prot Protection) error {
	return unix.Mprotect(mem, unixProt(prot))
}

func unixProt(prot Protection) int {
	switch prot {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ProtReadExec:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return unix.PROT_NONE
	}
}

func free(mem []byte) error {
	return unix.Munmap(mem)
}
