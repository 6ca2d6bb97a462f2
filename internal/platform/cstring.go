package platform

import (
	"unsafe"
)

// maxCString bounds the scan for a terminating NUL
const maxCString = 1 << 20

// GoString copies the NUL terminated string at p. A zero pointer gives "".
func GoString(p uintptr) string {
	if p == 0 {
		return ""
	}
	base := unsafe.Pointer(p)
	n := 0
	for n < maxCString && *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}

// Bytes returns the n bytes of native memory at p without copying
func Bytes(p uintptr, n uint64) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// CString returns a NUL terminated copy of s
func CString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// Address returns the address of the first byte of b
func Address(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
