package object

import (
	"fmt"

	"github.com/xyproto/barf/internal/engine"
)

// DefaultEntry is the entry symbol used when a link request names none
const DefaultEntry = "ba_entry"

// An Artifact is the linked, portable form of a program: merged sections
// placed relative to base 0, one symbol table, the names left for the
// platform function table and the entry symbol.
//
// Every relocation is kept with an explicit addend. Position independent
// ones are already applied to the section bytes; the loader re-applies the
// address dependent ones and those targeting imports.
type Artifact struct {
	Arch     engine.Arch
	Sections []*Section
	Symbols  []Symbol
	Imports  []string
	Entry    string // empty for library artifacts
}

// MaxImageSize bounds the extent of a placed image
const MaxImageSize = 1 << 32

// Validate checks the structural invariants of the artifact. Besides those
// of an object, sections must be placed in ascending order without overlap,
// each at an address aligned to its placement alignment.
func (a *Artifact) Validate() error {
	if err := validate("", a.Sections, a.Symbols); err != nil {
		return err
	}
	var end uint64
	for i, sec := range a.Sections {
		align := sec.PlacementAlign()
		if sec.Addr%align != 0 {
			return &FormatError{Offset: -1, Reason: fmt.Sprintf("section %q address 0x%x is not aligned to 0x%x", sec.Name, sec.Addr, align)}
		}
		if sec.Addr > MaxImageSize || MaxImageSize-sec.Addr < sec.Size {
			return &FormatError{Offset: -1, Reason: fmt.Sprintf("section %q at 0x%x+0x%x is outside the image", sec.Name, sec.Addr, sec.Size)}
		}
		if i > 0 && sec.Addr < end {
			return &FormatError{Offset: -1, Reason: fmt.Sprintf("section %q at 0x%x overlaps or precedes %q", sec.Name, sec.Addr, a.Sections[i-1].Name)}
		}
		end = sec.Addr + sec.Size
	}
	return nil
}

// BaseAlign is the alignment the load address must have so that every
// section keeps its declared alignment
func (a *Artifact) BaseAlign() uint64 {
	align := uint64(engine.PageSize)
	for _, sec := range a.Sections {
		align = max(align, sec.PlacementAlign())
	}
	return align
}

// Lookup finds a defined exported symbol by name
func (a *Artifact) Lookup(name string) (Symbol, bool) {
	for _, sym := range a.Symbols {
		if sym.Name == name && sym.Exported() && sym.Defined() {
			return sym, true
		}
	}
	return Symbol{}, false
}

// Address returns the base-relative address of symbol i, or false when the
// symbol is an import
func (a *Artifact) Address(i int) (uint64, bool) {
	sym := &a.Symbols[i]
	if !sym.Defined() {
		return 0, false
	}
	return a.Sections[sym.Section].Addr + sym.Offset, true
}

// ImageSize is the page aligned extent of all sections
func (a *Artifact) ImageSize() uint64 {
	var end uint64
	for _, sec := range a.Sections {
		if e := engine.AlignUp(sec.Addr+sec.Size, engine.PageSize); e > end {
			end = e
		}
	}
	return end
}

// RelocCount returns the number of relocations over all sections
func (a *Artifact) RelocCount() int {
	n := 0
	for _, sec := range a.Sections {
		n += len(sec.Relocs)
	}
	return n
}

// Object returns a deep copy of the artifact as an unplaced object, so a
// previously built artifact can be linked again with other inputs.
func (a *Artifact) Object(name string) *Object {
	obj := &Object{
		Name:     name,
		Arch:     a.Arch,
		Sections: make([]*Section, len(a.Sections)),
		Symbols:  make([]Symbol, len(a.Symbols)),
	}
	for i, sec := range a.Sections {
		cp := *sec
		cp.Addr = 0
		if sec.Data != nil {
			cp.Data = append([]byte(nil), sec.Data...)
		}
		cp.Relocs = append([]Relocation(nil), sec.Relocs...)
		obj.Sections[i] = &cp
	}
	copy(obj.Symbols, a.Symbols)
	return obj
}
