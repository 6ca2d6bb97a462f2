// Completion: 100% - Utility module complete
package engine

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchX86
	ArchARM
	ArchARM64
	ArchRiscv64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "x86", "386", "i386", "i686":
		return ArchX86, nil
	case "arm", "armv7":
		return ArchARM, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %s (supported: amd64)", s)
	}
}

// Relocatable reports whether barf knows the relocation model of the
// architecture. Objects for any other architecture are rejected by the reader.
func (a Arch) Relocatable() bool {
	return a == ArchX86_64
}

// PtrSize returns the pointer width in bytes
func (a Arch) PtrSize() int {
	switch a {
	case ArchX86, ArchARM:
		return 4
	default:
		return 8
	}
}

// HostArch returns the architecture of the running process
func HostArch() Arch {
	a, err := ParseArch(runtime.GOARCH)
	if err != nil {
		return ArchUnknown
	}
	return a
}
