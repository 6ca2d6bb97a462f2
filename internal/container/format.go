// Package container encodes and decodes BARF containers, the portable
// on-disk form of a linked artifact.
//
// Layout, all integers little endian:
//
//	header        fixed 64 bytes
//	section table sectionCount entries of 32 bytes
//	symbol table  symbolCount entries of 24 bytes
//	import table  importCount string offsets of 4 bytes
//	reloc table   relocCount entries of 32 bytes
//	string table  NUL terminated names, starting with the empty name
//	section data  each section's bytes, aligned
//
// The header checksum is the CRC-32 (IEEE) of every byte after the header.
package container

import (
	"debug/elf"

	"github.com/xyproto/barf/internal/engine"
)

const (
	// Magic starts every container
	Magic = "BARF"
	// Version is the newest layout this package reads and the one it writes
	Version uint16 = 1
)

// Header flags
const (
	FlagLibrary uint16 = 1 << iota // no entry point
)

const (
	headerSize  = 64
	sectionSize = 32
	symbolSize  = 24
	importSize  = 4
	relocSize   = 32
	dataAlign   = 16
)

// Section table flags
const (
	sectionZeroFill uint8 = 1 << iota
)

type fileHeader struct {
	Magic         [4]byte
	Version       uint16
	Flags         uint16
	Machine       uint16
	_             uint16
	SectionCount  uint32
	SymbolCount   uint32
	ImportCount   uint32
	RelocCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	Entry         uint32 // string table offset
	DataOffset    uint32
	TotalSize     uint64
	Checksum      uint32
	_             [8]byte
}

type sectionEntry struct {
	Name       uint32
	Kind       uint8
	Flags      uint8
	_          uint16
	Align      uint32
	Addr       uint64
	Size       uint64
	DataOffset uint32
}

type symbolEntry struct {
	Name    uint32
	Kind    uint8
	Binding uint8
	_       uint16
	Section int32
	Offset  uint64
	_       uint32
}

type relocEntry struct {
	Section uint32
	Symbol  uint32
	Offset  uint64
	Addend  int64
	Kind    uint8
	_       [7]byte
}

// The machine field stores ELF machine numbers so the value does not depend
// on the order of the engine.Arch enumeration.
func machineCode(a engine.Arch) uint16 {
	switch a {
	case engine.ArchX86_64:
		return uint16(elf.EM_X86_64)
	case engine.ArchX86:
		return uint16(elf.EM_386)
	case engine.ArchARM:
		return uint16(elf.EM_ARM)
	case engine.ArchARM64:
		return uint16(elf.EM_AARCH64)
	case engine.ArchRiscv64:
		return uint16(elf.EM_RISCV)
	default:
		return uint16(elf.EM_NONE)
	}
}

func machineArch(m uint16) engine.Arch {
	switch elf.Machine(m) {
	case elf.EM_X86_64:
		return engine.ArchX86_64
	case elf.EM_386:
		return engine.ArchX86
	case elf.EM_ARM:
		return engine.ArchARM
	case elf.EM_AARCH64:
		return engine.ArchARM64
	case elf.EM_RISCV:
		return engine.ArchRiscv64
	default:
		return engine.ArchUnknown
	}
}
