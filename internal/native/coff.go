package native

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
)

const (
	coffHeaderSize        = 20
	coffSectionHeaderSize = 40
	coffRelocSize         = 10
)

// Section characteristics missing from debug/pe
const (
	scnLnkInfo       = 0x00000200
	scnLnkRemove     = 0x00000800
	scnAlignMask     = 0x00f00000
	scnAlignShift    = 20
	scnLnkNRelocOvfl = 0x01000000
)

// Storage classes
const (
	symClassExternal     = 2
	symClassStatic       = 3
	symClassLabel        = 6
	symClassFunction     = 101
	symClassFile         = 103
	symClassWeakExternal = 105
)

// Special section numbers
const (
	symUndefined = 0
	symAbsolute  = -1
	symDebug     = -2
)

const symTypeFunction = 0x20

// x86-64 relocation types
const (
	relAMD64Absolute = 0x00
	relAMD64Addr64   = 0x01
	relAMD64Addr32   = 0x02
	relAMD64Addr32NB = 0x03
	relAMD64Rel32    = 0x04
	relAMD64Rel32_5  = 0x09
)

var coffRelocNames = map[uint16]string{
	0x00: "IMAGE_REL_AMD64_ABSOLUTE",
	0x01: "IMAGE_REL_AMD64_ADDR64",
	0x02: "IMAGE_REL_AMD64_ADDR32",
	0x03: "IMAGE_REL_AMD64_ADDR32NB",
	0x04: "IMAGE_REL_AMD64_REL32",
	0x05: "IMAGE_REL_AMD64_REL32_1",
	0x06: "IMAGE_REL_AMD64_REL32_2",
	0x07: "IMAGE_REL_AMD64_REL32_3",
	0x08: "IMAGE_REL_AMD64_REL32_4",
	0x09: "IMAGE_REL_AMD64_REL32_5",
	0x0a: "IMAGE_REL_AMD64_SECTION",
	0x0b: "IMAGE_REL_AMD64_SECREL",
	0x0c: "IMAGE_REL_AMD64_SECREL7",
	0x0d: "IMAGE_REL_AMD64_TOKEN",
	0x0e: "IMAGE_REL_AMD64_SREL32",
	0x0f: "IMAGE_REL_AMD64_PAIR",
	0x10: "IMAGE_REL_AMD64_SSPAN32",
}

func coffRelocName(t uint16) string {
	if name, ok := coffRelocNames[t]; ok {
		return name
	}
	return fmt.Sprintf("IMAGE_REL_AMD64(0x%x)", t)
}

func coffArch(machine uint16) engine.Arch {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return engine.ArchX86_64
	case pe.IMAGE_FILE_MACHINE_I386:
		return engine.ArchX86
	case pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT:
		return engine.ArchARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return engine.ArchARM64
	default:
		return engine.ArchUnknown
	}
}

func coffMachineName(machine uint16) string {
	if arch := coffArch(machine); arch != engine.ArchUnknown {
		return arch.String()
	}
	return fmt.Sprintf("machine(0x%x)", machine)
}

type coffReader struct {
	in      *input
	hdr     pe.FileHeader
	headers []pe.SectionHeader32
	names   []string
	strtab  []byte
	secMap  []int
	symMap  []int
	obj     *object.Object
}

func readCOFF(in *input) (*object.Object, error) {
	hdr, err := decode[pe.FileHeader](in, "COFF header", 0)
	if err != nil {
		return nil, err
	}
	if arch := coffArch(hdr.Machine); !arch.Relocatable() {
		return nil, &object.UnsupportedArchitectureError{File: in.name, Machine: coffMachineName(hdr.Machine)}
	}
	if hdr.SizeOfOptionalHeader != 0 {
		return nil, in.formatError(16, "object has an optional header, images cannot be relocated")
	}

	r := &coffReader{
		in:  in,
		hdr: hdr,
		obj: &object.Object{Name: in.name, Arch: engine.ArchX86_64},
	}
	if r.headers, err = decodeTable[pe.SectionHeader32](in, "section table", coffHeaderSize, uint64(hdr.NumberOfSections)); err != nil {
		return nil, err
	}
	if err := r.readStringTable(); err != nil {
		return nil, err
	}
	if err := r.readSections(); err != nil {
		return nil, err
	}
	if err := r.readSymbols(); err != nil {
		return nil, err
	}
	if err := r.readRelocations(); err != nil {
		return nil, err
	}
	return r.obj, nil
}

// The string table directly follows the symbol table and starts with its
// own length.
func (r *coffReader) readStringTable() error {
	if r.hdr.PointerToSymbolTable == 0 {
		return nil
	}
	off := uint64(r.hdr.PointerToSymbolTable) + uint64(r.hdr.NumberOfSymbols)*pe.COFFSymbolSize
	if off == uint64(len(r.in.data)) {
		return nil
	}
	lenField, err := r.in.slice("string table", off, 4)
	if err != nil {
		return err
	}
	size := uint64(binary.LittleEndian.Uint32(lenField))
	if size < 4 {
		return nil
	}
	r.strtab, err = r.in.slice("string table", off, size)
	return err
}

func (r *coffReader) longName(raw [8]uint8) (string, error) {
	name := cName(raw[:])
	if !strings.HasPrefix(name, "/") {
		return name, nil
	}
	off, err := strconv.ParseUint(name[1:], 10, 32)
	if err != nil {
		return "", r.in.formatError(-1, fmt.Sprintf("bad long section name %q", name))
	}
	return r.in.cstring(r.strtab, off, "section")
}

func cName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// baseName strips the $ grouping suffix that orders sections within a group
func baseName(name string) string {
	if i := strings.IndexByte(name, '$'); i > 0 {
		return name[:i]
	}
	return name
}

func (r *coffReader) headerOffset(i int) int64 {
	return coffHeaderSize + int64(i)*coffSectionHeaderSize
}

func (r *coffReader) classify(i int) (object.SectionKind, bool) {
	sh := &r.headers[i]
	c := sh.Characteristics
	if c&(scnLnkInfo|scnLnkRemove|pe.IMAGE_SCN_MEM_DISCARDABLE) != 0 {
		return 0, false
	}
	switch baseName(r.names[i]) {
	case ".pdata", ".xdata", ".drectve", ".llvm_addrsig":
		return 0, false
	}
	switch {
	case c&(pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE) != 0:
		return object.KindCode, true
	case c&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
		return object.KindBSS, true
	case c&pe.IMAGE_SCN_MEM_WRITE != 0:
		return object.KindData, true
	case c&(pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ) != 0:
		return object.KindROData, true
	}
	return 0, false
}

func sectionAlign(c uint32) uint64 {
	n := (c & scnAlignMask) >> scnAlignShift
	if n == 0 || n > 14 {
		return 16
	}
	return 1 << (n - 1)
}

func (r *coffReader) readSections() error {
	r.names = make([]string, len(r.headers))
	r.secMap = make([]int, len(r.headers))
	for i := range r.headers {
		var err error
		if r.names[i], err = r.longName(r.headers[i].Name); err != nil {
			return err
		}
	}
	for i := range r.headers {
		r.secMap[i] = -1
		kind, keep := r.classify(i)
		if !keep {
			continue
		}
		sh := &r.headers[i]
		sec := &object.Section{
			Name:  r.names[i],
			Kind:  kind,
			Align: sectionAlign(sh.Characteristics),
			Size:  uint64(sh.SizeOfRawData),
		}
		if kind != object.KindBSS {
			if sh.PointerToRawData == 0 && sh.SizeOfRawData > 0 {
				return r.in.formatError(r.headerOffset(i), fmt.Sprintf("section %q has no raw data", sec.Name))
			}
			var err error
			if sec.Data, err = r.in.sectionBytes(sec.Name, uint64(sh.PointerToRawData), sec.Size); err != nil {
				return err
			}
		}
		r.secMap[i] = len(r.obj.Sections)
		r.obj.Sections = append(r.obj.Sections, sec)
	}
	return nil
}

func (r *coffReader) symbolName(s *pe.COFFSymbol) (string, error) {
	if binary.LittleEndian.Uint32(s.Name[:4]) == 0 {
		return r.in.cstring(r.strtab, uint64(binary.LittleEndian.Uint32(s.Name[4:])), "symbol")
	}
	return cName(s.Name[:]), nil
}

func (r *coffReader) readSymbols() error {
	syms, err := decodeTable[pe.COFFSymbol](r.in, "symbol table", uint64(r.hdr.PointerToSymbolTable), uint64(r.hdr.NumberOfSymbols))
	if err != nil {
		return err
	}
	raw := r.in.data[r.hdr.PointerToSymbolTable:]
	r.symMap = make([]int, len(syms))
	for i := range r.symMap {
		r.symMap[i] = -1
	}

	// Weak externals name their default through an auxiliary record, which
	// can point forward, so they are patched after the first pass.
	type weakRef struct{ sym, fallback int }
	var weak []weakRef

	for i := 0; i < len(syms); i++ {
		s := &syms[i]
		aux := int(s.NumberOfAuxSymbols)
		if i+aux >= len(syms) && aux > 0 {
			return r.in.formatError(int64(r.hdr.PointerToSymbolTable)+int64(i)*pe.COFFSymbolSize, "auxiliary symbol records run past the symbol table")
		}
		sym, keep, err := r.symbol(i, s)
		if err != nil {
			return err
		}
		if keep {
			r.symMap[i] = len(r.obj.Symbols)
			r.obj.Symbols = append(r.obj.Symbols, sym)
			if s.StorageClass == symClassWeakExternal && aux > 0 {
				tag := binary.LittleEndian.Uint32(raw[(i+1)*pe.COFFSymbolSize:])
				weak = append(weak, weakRef{sym: r.symMap[i], fallback: int(tag)})
			}
		}
		i += aux
	}

	// A weak external whose default is defined in this unit resolves to it.
	// An undefined default is an alias: references bind to the default's
	// name, with its binding.
	for _, w := range weak {
		if w.fallback < 0 || w.fallback >= len(r.symMap) || r.symMap[w.fallback] < 0 {
			continue
		}
		def := r.obj.Symbols[r.symMap[w.fallback]]
		sym := &r.obj.Symbols[w.sym]
		if !def.Defined() {
			sym.Name = def.Name
			sym.Binding = def.Binding
			continue
		}
		sym.Section = def.Section
		sym.Offset = def.Offset
		sym.Kind = def.Kind
	}
	return nil
}

func (r *coffReader) symbol(i int, s *pe.COFFSymbol) (object.Symbol, bool, error) {
	switch s.StorageClass {
	case symClassFile, symClassFunction:
		return object.Symbol{}, false, nil
	}
	name, err := r.symbolName(s)
	if err != nil {
		return object.Symbol{}, false, err
	}
	sym := object.Symbol{Name: name, Offset: uint64(s.Value)}
	switch s.StorageClass {
	case symClassExternal:
		sym.Binding = object.BindGlobal
	case symClassWeakExternal:
		sym.Binding = object.BindWeak
	default:
		sym.Binding = object.BindLocal
	}

	switch s.SectionNumber {
	case symAbsolute, symDebug:
		return object.Symbol{}, false, nil
	case symUndefined:
		if sym.Binding == object.BindLocal {
			return object.Symbol{}, false, nil
		}
		if s.StorageClass == symClassExternal && s.Value > 0 {
			// common symbol, Value is the size
			size := uint64(s.Value)
			sym.Kind = object.SymData
			sym.Section = r.commonSection(name, size)
			sym.Offset = 0
			return sym, true, nil
		}
		sym.Kind = object.SymImport
		sym.Section = object.NoSection
		sym.Offset = 0
		return sym, true, nil
	}

	idx := int(s.SectionNumber) - 1
	if idx < 0 || idx >= len(r.secMap) {
		return object.Symbol{}, false, r.in.formatError(int64(r.hdr.PointerToSymbolTable)+int64(i)*pe.COFFSymbolSize,
			fmt.Sprintf("symbol %q section number %d out of range", name, s.SectionNumber))
	}
	sec := r.secMap[idx]
	if sec < 0 {
		return object.Symbol{}, false, nil
	}
	sym.Section = sec
	switch {
	case s.StorageClass == symClassStatic && s.Value == 0 && s.NumberOfAuxSymbols > 0 && name == r.names[idx]:
		sym.Kind = object.SymSection
	case s.Type&0xf0 == symTypeFunction:
		sym.Kind = object.SymFunc
	case s.StorageClass == symClassLabel:
		sym.Kind = object.SymFunc
	case sym.Binding != object.BindLocal && r.obj.Sections[sec].Kind == object.KindCode:
		sym.Kind = object.SymFunc
	default:
		sym.Kind = object.SymData
	}
	return sym, true, nil
}

func (r *coffReader) commonSection(name string, size uint64) int {
	align := uint64(1)
	for align < size && align < 32 {
		align <<= 1
	}
	r.obj.Sections = append(r.obj.Sections, &object.Section{
		Name:  "COMMON." + name,
		Kind:  object.KindBSS,
		Align: align,
		Size:  size,
	})
	return len(r.obj.Sections) - 1
}

func (r *coffReader) readRelocations() error {
	for i := range r.headers {
		sh := &r.headers[i]
		sec := r.secMap[i]
		if sec < 0 || (sh.NumberOfRelocations == 0 && sh.Characteristics&scnLnkNRelocOvfl == 0) {
			continue
		}
		off := uint64(sh.PointerToRelocations)
		count := uint64(sh.NumberOfRelocations)
		if sh.Characteristics&scnLnkNRelocOvfl != 0 && count == 0xffff {
			// the real count is stored in the first entry, which counts itself
			first, err := decode[pe.Reloc](r.in, "relocation table", off)
			if err != nil {
				return err
			}
			if first.VirtualAddress == 0 {
				return r.in.formatError(int64(off), "extended relocation count is zero")
			}
			count = uint64(first.VirtualAddress) - 1
			off += coffRelocSize
		}
		relocs, err := decodeTable[pe.Reloc](r.in, "relocation table", off, count)
		if err != nil {
			return err
		}
		for _, rel := range relocs {
			if err := r.addReloc(r.obj.Sections[sec], rel); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *coffReader) addReloc(sec *object.Section, rel pe.Reloc) error {
	var (
		kind object.RelocKind
		bias int64
	)
	switch t := rel.Type; {
	case t == relAMD64Absolute:
		return nil
	case t == relAMD64Addr64:
		kind = object.RelocAbs64
	case t == relAMD64Addr32:
		kind = object.RelocAbs32
	case t == relAMD64Addr32NB:
		kind = object.RelocImageRel32
	case t >= relAMD64Rel32 && t <= relAMD64Rel32_5:
		// the field is followed by k more bytes of the instruction
		kind = object.RelocRel32
		bias = 4 + int64(t-relAMD64Rel32)
	default:
		return &object.UnsupportedRelocationError{File: r.in.name, Section: sec.Name, Offset: uint64(rel.VirtualAddress), Type: coffRelocName(t)}
	}
	off := uint64(rel.VirtualAddress)
	if sec.Kind == object.KindBSS {
		return r.in.formatError(-1, fmt.Sprintf("relocation in zero-filled section %q", sec.Name))
	}
	if off > sec.Size || sec.Size-off < uint64(kind.Width()) {
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation past end of section", sec.Name, off))
	}
	if int(rel.SymbolTableIndex) >= len(r.symMap) {
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation symbol %d out of range", sec.Name, off, rel.SymbolTableIndex))
	}
	sym := r.symMap[rel.SymbolTableIndex]
	if sym < 0 {
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation against discarded symbol %d", sec.Name, off, rel.SymbolTableIndex))
	}

	out := object.Relocation{Offset: off, Symbol: sym, Kind: kind}
	stored, err := object.Read(sec.Data, out)
	if err != nil {
		return err
	}
	out.Addend = stored - bias
	clear(sec.Data[off : off+uint64(kind.Width())])
	sec.Relocs = append(sec.Relocs, out)
	return nil
}
