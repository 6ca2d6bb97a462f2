// Package object holds the unified object model shared by the reader, the
// linker, the container codec and the loader.
package object

import (
	"fmt"

	"github.com/xyproto/barf/internal/engine"
)

// NoSection marks an undefined symbol
const NoSection = -1

// SectionKind is the purpose of a section, which decides how it is merged
// and which page permissions it gets when loaded.
type SectionKind uint8

const (
	KindCode SectionKind = iota
	KindROData
	KindData
	KindBSS
)

// SectionKinds lists the kinds in output order
var SectionKinds = [...]SectionKind{KindCode, KindROData, KindData, KindBSS}

func (k SectionKind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindROData:
		return "rodata"
	case KindData:
		return "data"
	case KindBSS:
		return "bss"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultName is the name of the merged output section of this kind
func (k SectionKind) DefaultName() string {
	switch k {
	case KindCode:
		return ".text"
	case KindROData:
		return ".rodata"
	case KindData:
		return ".data"
	case KindBSS:
		return ".bss"
	default:
		return ".unknown"
	}
}

// Valid reports whether k is one of the known kinds
func (k SectionKind) Valid() bool {
	return k <= KindBSS
}

// Writable reports whether the section is writable at run time
func (k SectionKind) Writable() bool {
	return k == KindData || k == KindBSS
}

// Executable reports whether the section holds code
func (k SectionKind) Executable() bool {
	return k == KindCode
}

// A Section is a contiguous, typed byte range.
type Section struct {
	Name   string
	Kind   SectionKind
	Align  uint64 // power of two
	Size   uint64
	Data   []byte // nil for KindBSS
	Addr   uint64 // relative to the image base, assigned by the linker
	Relocs []Relocation
}

// PlacementAlign is the alignment of the section's address in an image:
// at least a page, so protections can be applied per section
func (s *Section) PlacementAlign() uint64 {
	return max(engine.PageSize, s.Align)
}

// ZeroFill reports whether the section has no backing bytes
func (s *Section) ZeroFill() bool {
	return s.Kind == KindBSS
}

// SymbolKind classifies what a symbol names
type SymbolKind uint8

const (
	SymData SymbolKind = iota
	SymFunc
	SymSection
	SymImport
)

func (k SymbolKind) String() string {
	switch k {
	case SymData:
		return "data"
	case SymFunc:
		return "func"
	case SymSection:
		return "section"
	case SymImport:
		return "import"
	default:
		return fmt.Sprintf("symkind(%d)", uint8(k))
	}
}

// Binding is the visibility of a symbol across translation units
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "LOCAL"
	case BindGlobal:
		return "GLOBAL"
	case BindWeak:
		return "WEAK"
	default:
		return fmt.Sprintf("binding(%d)", uint8(b))
	}
}

// A Symbol names an offset in a section, or an undefined external.
type Symbol struct {
	Name    string
	Kind    SymbolKind
	Binding Binding
	Section int // NoSection when undefined
	Offset  uint64
}

// Defined reports whether the symbol has a definition in this unit
func (s *Symbol) Defined() bool {
	return s.Section != NoSection
}

// Exported reports whether other units can refer to the symbol by name
func (s *Symbol) Exported() bool {
	return s.Binding != BindLocal
}

// A Relocation rewrites bytes at Offset in its section once the address of
// Symbol is known. Addends are always explicit.
type Relocation struct {
	Offset uint64
	Symbol int
	Kind   RelocKind
	Addend int64
}

// An Object is one parsed translation unit.
type Object struct {
	Name     string
	Arch     engine.Arch
	Sections []*Section
	Symbols  []Symbol
}

// Validate checks the structural invariants of the object model
func (o *Object) Validate() error {
	return validate(o.Name, o.Sections, o.Symbols)
}

func validate(file string, sections []*Section, symbols []Symbol) error {
	for i, sec := range sections {
		if !sec.Kind.Valid() {
			return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %d %q has unknown kind %d", i, sec.Name, sec.Kind)}
		}
		if !engine.IsPowerOfTwo(sec.Align) {
			return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %q alignment %d is not a power of two", sec.Name, sec.Align)}
		}
		if sec.ZeroFill() {
			if sec.Data != nil {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("zero-filled section %q carries bytes", sec.Name)}
			}
			if len(sec.Relocs) > 0 {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("zero-filled section %q has relocations", sec.Name)}
			}
		} else if uint64(len(sec.Data)) != sec.Size {
			return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %q has %d bytes, size says %d", sec.Name, len(sec.Data), sec.Size)}
		}
		for _, r := range sec.Relocs {
			if !r.Kind.Valid() {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %q: unknown relocation kind %d", sec.Name, r.Kind)}
			}
			if r.Symbol < 0 || r.Symbol >= len(symbols) {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %q+0x%x: relocation symbol %d out of range", sec.Name, r.Offset, r.Symbol)}
			}
			if r.Offset > sec.Size || sec.Size-r.Offset < uint64(r.Kind.Width()) {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("section %q+0x%x: %d-byte relocation past end of section", sec.Name, r.Offset, r.Kind.Width())}
			}
		}
	}
	for i, sym := range symbols {
		if sym.Section == NoSection {
			if sym.Binding == BindLocal {
				return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("undefined symbol %d %q is local", i, sym.Name)}
			}
			continue
		}
		if sym.Section < 0 || sym.Section >= len(sections) {
			return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("symbol %q refers to section %d of %d", sym.Name, sym.Section, len(sections))}
		}
		if sym.Offset > sections[sym.Section].Size {
			return &FormatError{File: file, Offset: -1, Reason: fmt.Sprintf("symbol %q offset 0x%x is past the end of %q", sym.Name, sym.Offset, sections[sym.Section].Name)}
		}
	}
	return nil
}
