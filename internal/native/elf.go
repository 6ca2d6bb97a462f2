package native

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
)

const (
	elfSectionHeaderSize = 64
	elfRela64Size        = 24
	elfRel64Size         = 16
)

func elfArch(m elf.Machine) engine.Arch {
	switch m {
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

// elfRelocKind maps an x86-64 relocation type. skip is set for R_X86_64_NONE.
func elfRelocKind(t elf.R_X86_64) (kind object.RelocKind, ok, skip bool) {
	switch t {
	case elf.R_X86_64_NONE:
		return 0, true, true
	case elf.R_X86_64_64:
		return object.RelocAbs64, true, false
	case elf.R_X86_64_32:
		return object.RelocAbs32, true, false
	case elf.R_X86_64_32S:
		return object.RelocAbs32S, true, false
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return object.RelocRel32, true, false
	case elf.R_X86_64_PC64:
		return object.RelocRel64, true, false
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return object.RelocGotRel32, true, false
	default:
		return 0, false, false
	}
}

// elfReader carries the state of one ELF decode
type elfReader struct {
	in      *input
	headers []elf.Section64
	names   []string
	secMap  []int // native section index -> object section, -1 when dropped
	symMap  []int // native symbol index -> object symbol, -1 when dropped
	obj     *object.Object
	symtab  int
	xindex  []uint32
	dropped map[int]string // native symbol index -> reason it was dropped
}

func readELF(in *input) (*object.Object, error) {
	ident, err := in.slice("ELF identification", 0, elf.EI_NIDENT)
	if err != nil {
		return nil, err
	}
	if class := elf.Class(ident[elf.EI_CLASS]); class != elf.ELFCLASS64 {
		return nil, &object.UnsupportedArchitectureError{File: in.name, Machine: class.String(), Reason: "only 64-bit objects can be relocated"}
	}
	if data := elf.Data(ident[elf.EI_DATA]); data != elf.ELFDATA2LSB {
		return nil, &object.UnsupportedArchitectureError{File: in.name, Machine: data.String(), Reason: "only little-endian objects can be relocated"}
	}

	hdr, err := decode[elf.Header64](in, "ELF header", 0)
	if err != nil {
		return nil, err
	}
	if t := elf.Type(hdr.Type); t != elf.ET_REL {
		return nil, in.formatError(16, fmt.Sprintf("ELF type %s is not a relocatable object", t))
	}
	machine := elf.Machine(hdr.Machine)
	if arch := elfArch(machine); !arch.Relocatable() {
		return nil, &object.UnsupportedArchitectureError{File: in.name, Machine: machine.String()}
	}

	r := &elfReader{
		in:      in,
		symtab:  -1,
		dropped: make(map[int]string),
		obj:     &object.Object{Name: in.name, Arch: engine.ArchX86_64},
	}
	if err := r.readSectionHeaders(&hdr); err != nil {
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

func (r *elfReader) readSectionHeaders(hdr *elf.Header64) error {
	if hdr.Shoff == 0 {
		return nil
	}
	if hdr.Shentsize != elfSectionHeaderSize {
		return r.in.formatError(58, fmt.Sprintf("section header entry size %d, expected %d", hdr.Shentsize, elfSectionHeaderSize))
	}

	// Counts that do not fit the header live in the first section header.
	count := uint64(hdr.Shnum)
	strndx := uint32(hdr.Shstrndx)
	if count == 0 || strndx == uint32(elf.SHN_XINDEX) {
		first, err := decode[elf.Section64](r.in, "section header table", hdr.Shoff)
		if err != nil {
			return err
		}
		if count == 0 {
			count = first.Size
		}
		if strndx == uint32(elf.SHN_XINDEX) {
			strndx = first.Link
		}
	}

	headers, err := decodeTable[elf.Section64](r.in, "section header table", hdr.Shoff, count)
	if err != nil {
		return err
	}
	r.headers = headers
	r.names = make([]string, len(headers))
	if strndx == uint32(elf.SHN_UNDEF) {
		return nil
	}
	if strndx >= uint32(len(headers)) {
		return r.in.formatError(62, fmt.Sprintf("section name table index %d out of range", strndx))
	}
	strtab, err := r.rawSection(int(strndx))
	if err != nil {
		return err
	}
	for i := range headers {
		if r.names[i], err = r.in.cstring(strtab, uint64(headers[i].Name), "section"); err != nil {
			return err
		}
	}
	return nil
}

func (r *elfReader) rawSection(i int) ([]byte, error) {
	sh := &r.headers[i]
	if elf.SectionType(sh.Type) == elf.SHT_NOBITS {
		return nil, nil
	}
	return r.in.slice(fmt.Sprintf("section %d", i), sh.Off, sh.Size)
}

func (r *elfReader) headerOffset(i int) int64 {
	return int64(i) * elfSectionHeaderSize
}

// classify decides the kind of an allocated section, or drops it
func (r *elfReader) classify(i int) (object.SectionKind, bool, error) {
	sh := &r.headers[i]
	flags := elf.SectionFlag(sh.Flags)
	if flags&elf.SHF_ALLOC == 0 {
		return 0, false, nil
	}
	name := r.names[i]
	switch elf.SectionType(sh.Type) {
	case elf.SHT_NOBITS:
		if flags&elf.SHF_TLS != 0 {
			return 0, false, r.in.formatError(r.headerOffset(i), fmt.Sprintf("thread-local section %q is not supported", name))
		}
		return object.KindBSS, true, nil
	case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
	default:
		// notes, groups, unwind tables
		return 0, false, nil
	}
	if name == ".eh_frame" || strings.HasPrefix(name, ".note") {
		return 0, false, nil
	}
	if flags&elf.SHF_TLS != 0 {
		return 0, false, r.in.formatError(r.headerOffset(i), fmt.Sprintf("thread-local section %q is not supported", name))
	}
	switch {
	case flags&elf.SHF_EXECINSTR != 0:
		return object.KindCode, true, nil
	case flags&elf.SHF_WRITE != 0:
		return object.KindData, true, nil
	default:
		return object.KindROData, true, nil
	}
}

func (r *elfReader) readSections() error {
	r.secMap = make([]int, len(r.headers))
	for i := range r.headers {
		r.secMap[i] = -1
		sh := &r.headers[i]
		switch elf.SectionType(sh.Type) {
		case elf.SHT_SYMTAB:
			if r.symtab >= 0 {
				return r.in.formatError(r.headerOffset(i), "more than one symbol table")
			}
			r.symtab = i
			continue
		case elf.SHT_SYMTAB_SHNDX:
			b, err := r.rawSection(i)
			if err != nil {
				return err
			}
			if r.xindex, err = decodeTable[uint32](r.in, "extended section index table", sh.Off, uint64(len(b))/4); err != nil {
				return err
			}
			continue
		}

		kind, keep, err := r.classify(i)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		align := sh.Addralign
		if align == 0 {
			align = 1
		}
		if !engine.IsPowerOfTwo(align) {
			return r.in.formatError(r.headerOffset(i), fmt.Sprintf("section %q alignment %d is not a power of two", r.names[i], align))
		}
		sec := &object.Section{Name: r.names[i], Kind: kind, Align: align, Size: sh.Size}
		if kind != object.KindBSS {
			if sec.Data, err = r.in.sectionBytes(r.names[i], sh.Off, sh.Size); err != nil {
				return err
			}
		}
		r.secMap[i] = len(r.obj.Sections)
		r.obj.Sections = append(r.obj.Sections, sec)
	}
	return nil
}

func (r *elfReader) symbolSection(i int, sym *elf.Sym64) uint32 {
	if elf.SectionIndex(sym.Shndx) == elf.SHN_XINDEX {
		if i < len(r.xindex) {
			return r.xindex[i]
		}
		return uint32(elf.SHN_UNDEF)
	}
	return uint32(sym.Shndx)
}

func elfBinding(b elf.SymBind) object.Binding {
	switch b {
	case elf.STB_LOCAL:
		return object.BindLocal
	case elf.STB_WEAK:
		return object.BindWeak
	default:
		return object.BindGlobal
	}
}

func (r *elfReader) readSymbols() error {
	if r.symtab < 0 {
		return nil
	}
	sh := &r.headers[r.symtab]
	if sh.Entsize != 0 && sh.Entsize != elf.Sym64Size {
		return r.in.formatError(r.headerOffset(r.symtab), fmt.Sprintf("symbol entry size %d, expected %d", sh.Entsize, elf.Sym64Size))
	}
	syms, err := decodeTable[elf.Sym64](r.in, "symbol table", sh.Off, sh.Size/elf.Sym64Size)
	if err != nil {
		return err
	}
	if sh.Link >= uint32(len(r.headers)) {
		return r.in.formatError(r.headerOffset(r.symtab), fmt.Sprintf("symbol string table index %d out of range", sh.Link))
	}
	strtab, err := r.rawSection(int(sh.Link))
	if err != nil {
		return err
	}

	r.symMap = make([]int, len(syms))
	for i := range syms {
		r.symMap[i] = -1
		if i == 0 {
			continue
		}
		s := &syms[i]
		typ := elf.ST_TYPE(s.Info)
		if typ == elf.STT_FILE {
			continue
		}
		if typ == elf.STT_TLS {
			return r.in.formatError(int64(sh.Off)+int64(i)*elf.Sym64Size, "thread-local symbols are not supported")
		}
		name, err := r.in.cstring(strtab, uint64(s.Name), "symbol")
		if err != nil {
			return err
		}
		sym := object.Symbol{Name: name, Binding: elfBinding(elf.ST_BIND(s.Info)), Offset: s.Value}

		shndx := r.symbolSection(i, s)
		switch elf.SectionIndex(shndx) {
		case elf.SHN_UNDEF:
			if sym.Binding == object.BindLocal {
				continue
			}
			sym.Kind = object.SymImport
			sym.Section = object.NoSection
			sym.Offset = 0
		case elf.SHN_ABS:
			r.dropped[i] = fmt.Sprintf("absolute symbol %q", name)
			continue
		case elf.SHN_COMMON:
			sym.Kind = object.SymData
			sym.Section = r.commonSection(name, s.Value, s.Size)
			sym.Offset = 0
		default:
			if shndx >= uint32(len(r.secMap)) {
				return r.in.formatError(int64(sh.Off)+int64(i)*elf.Sym64Size, fmt.Sprintf("symbol %q section index %d out of range", name, shndx))
			}
			sec := r.secMap[shndx]
			if sec < 0 {
				r.dropped[i] = fmt.Sprintf("symbol %q in discarded section %q", name, r.names[shndx])
				continue
			}
			sym.Section = sec
			switch {
			case typ == elf.STT_SECTION:
				sym.Kind = object.SymSection
				sym.Name = r.names[shndx]
			case typ == elf.STT_FUNC:
				sym.Kind = object.SymFunc
			case typ == elf.STT_NOTYPE && r.obj.Sections[sec].Kind == object.KindCode:
				sym.Kind = object.SymFunc
			default:
				sym.Kind = object.SymData
			}
		}
		r.symMap[i] = len(r.obj.Symbols)
		r.obj.Symbols = append(r.obj.Symbols, sym)
	}
	return nil
}

// commonSection allocates a dedicated zero-filled section for a common symbol
func (r *elfReader) commonSection(name string, align, size uint64) int {
	if align == 0 {
		align = 1
	}
	r.obj.Sections = append(r.obj.Sections, &object.Section{
		Name:  "COMMON." + name,
		Kind:  object.KindBSS,
		Align: align,
		Size:  size,
	})
	return len(r.obj.Sections) - 1
}

func (r *elfReader) readRelocations() error {
	for i := range r.headers {
		sh := &r.headers[i]
		typ := elf.SectionType(sh.Type)
		if typ != elf.SHT_RELA && typ != elf.SHT_REL {
			continue
		}
		if sh.Info >= uint32(len(r.headers)) {
			return r.in.formatError(r.headerOffset(i), fmt.Sprintf("relocation section %q targets section %d", r.names[i], sh.Info))
		}
		target := r.secMap[sh.Info]
		if target < 0 {
			continue
		}
		if r.symtab < 0 || sh.Link != uint32(r.symtab) {
			return r.in.formatError(r.headerOffset(i), fmt.Sprintf("relocation section %q does not use the symbol table", r.names[i]))
		}
		var err error
		if typ == elf.SHT_RELA {
			err = r.readRela(sh, r.obj.Sections[target])
		} else {
			err = r.readRel(sh, r.obj.Sections[target])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *elfReader) readRela(sh *elf.Section64, sec *object.Section) error {
	entries, err := decodeTable[elf.Rela64](r.in, "relocation table", sh.Off, sh.Size/elfRela64Size)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := r.addReloc(sec, e.Off, e.Info, e.Addend, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *elfReader) readRel(sh *elf.Section64, sec *object.Section) error {
	entries, err := decodeTable[elf.Rel64](r.in, "relocation table", sh.Off, sh.Size/elfRel64Size)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := r.addReloc(sec, e.Off, e.Info, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *elfReader) addReloc(sec *object.Section, off, info uint64, addend int64, inPlace bool) error {
	t := elf.R_X86_64(elf.R_TYPE64(info))
	kind, ok, skip := elfRelocKind(t)
	if skip {
		return nil
	}
	if !ok {
		return &object.UnsupportedRelocationError{File: r.in.name, Section: sec.Name, Offset: off, Type: t.String()}
	}
	if sec.Kind == object.KindBSS {
		return r.in.formatError(-1, fmt.Sprintf("relocation in zero-filled section %q", sec.Name))
	}
	if off > sec.Size || sec.Size-off < uint64(kind.Width()) {
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation past end of section", sec.Name, off))
	}
	idx := elf.R_SYM64(info)
	if int(idx) >= len(r.symMap) {
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation symbol %d out of range", sec.Name, off, idx))
	}
	sym := r.symMap[idx]
	if sym < 0 {
		if why, ok := r.dropped[int(idx)]; ok {
			return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation against %s", sec.Name, off, why))
		}
		return r.in.formatError(-1, fmt.Sprintf("%s+0x%x: relocation against dropped symbol %d", sec.Name, off, idx))
	}

	rel := object.Relocation{Offset: off, Symbol: sym, Kind: kind, Addend: addend}
	if inPlace {
		v, err := object.Read(sec.Data, rel)
		if err != nil {
			return err
		}
		rel.Addend = v
	}
	clear(sec.Data[off : off+uint64(kind.Width())])
	sec.Relocs = append(sec.Relocs, rel)
	return nil
}
