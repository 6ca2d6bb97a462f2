package native

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"strconv"
)

// stringTable collects NUL terminated names for ELF string sections
type stringTable struct {
	buf bytes.Buffer
}

func newStringTable() *stringTable {
	st := &stringTable{}
	st.buf.WriteByte(0)
	return st
}

func (st *stringTable) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}

type elfSection struct {
	name   string
	typ    elf.SectionType
	flags  elf.SectionFlag
	align  uint64
	data   []byte
	size   uint64
	relocs []elf.Rela64
}

// elfBuilder writes small x86-64 relocatable objects. Section indices it
// returns are native section header indices, symbol indices native symbol
// table indices.
type elfBuilder struct {
	machine  elf.Machine
	typ      elf.Type
	useRel   bool // write SHT_REL with addends stored in the section bytes
	sections []*elfSection
	symbols  []elf.Sym64
	symNames []string
}

func newELF() *elfBuilder {
	return &elfBuilder{
		machine:  elf.EM_X86_64,
		typ:      elf.ET_REL,
		symbols:  []elf.Sym64{{}},
		symNames: []string{""},
	}
}

func (b *elfBuilder) section(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) int {
	b.sections = append(b.sections, &elfSection{name: name, typ: typ, flags: flags, align: align, data: data, size: uint64(len(data))})
	return len(b.sections)
}

func (b *elfBuilder) text(code []byte) int {
	return b.section(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, code)
}

func (b *elfBuilder) bss(name string, size, align uint64) int {
	b.sections = append(b.sections, &elfSection{name: name, typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: align, size: size})
	return len(b.sections)
}

func (b *elfBuilder) symbol(name string, bind elf.SymBind, typ elf.SymType, shndx int, value, size uint64) int {
	b.symbols = append(b.symbols, elf.Sym64{
		Info:  elf.ST_INFO(bind, typ),
		Shndx: uint16(shndx),
		Value: value,
		Size:  size,
	})
	b.symNames = append(b.symNames, name)
	return len(b.symbols) - 1
}

func (b *elfBuilder) rela(shndx int, off uint64, sym int, typ elf.R_X86_64, addend int64) {
	sec := b.sections[shndx-1]
	sec.relocs = append(sec.relocs, elf.Rela64{Off: off, Info: elf.R_INFO(uint32(sym), uint32(typ)), Addend: addend})
}

func (b *elfBuilder) bytes() []byte {
	type out struct {
		name string
		hdr  elf.Section64
		data []byte
	}
	var secs []out
	for _, s := range b.sections {
		secs = append(secs, out{s.name, elf.Section64{
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addralign: s.align,
			Size:      s.size,
		}, s.data})
	}

	nrel := 0
	for _, s := range b.sections {
		if len(s.relocs) > 0 {
			nrel++
		}
	}
	symtabIdx := len(b.sections) + nrel + 1
	for i, s := range b.sections {
		if len(s.relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		hdr := elf.Section64{Flags: uint64(elf.SHF_INFO_LINK), Link: uint32(symtabIdx), Info: uint32(i + 1), Addralign: 8}
		name := ".rela" + s.name
		if b.useRel {
			name = ".rel" + s.name
			hdr.Type = uint32(elf.SHT_REL)
			hdr.Entsize = 16
			for _, r := range s.relocs {
				binary.Write(&buf, binary.LittleEndian, elf.Rel64{Off: r.Off, Info: r.Info})
				field := s.data[r.Off:]
				switch elf.R_X86_64(elf.R_TYPE64(r.Info)) {
				case elf.R_X86_64_64, elf.R_X86_64_PC64:
					binary.LittleEndian.PutUint64(field, uint64(r.Addend))
				default:
					binary.LittleEndian.PutUint32(field, uint32(r.Addend))
				}
			}
		} else {
			hdr.Type = uint32(elf.SHT_RELA)
			hdr.Entsize = 24
			binary.Write(&buf, binary.LittleEndian, s.relocs)
		}
		secs = append(secs, out{name, hdr, buf.Bytes()})
	}

	strtab := newStringTable()
	syms := make([]elf.Sym64, len(b.symbols))
	copy(syms, b.symbols)
	for i := range syms {
		syms[i].Name = strtab.add(b.symNames[i])
	}
	var symbuf bytes.Buffer
	binary.Write(&symbuf, binary.LittleEndian, syms)
	secs = append(secs,
		out{".symtab", elf.Section64{Type: uint32(elf.SHT_SYMTAB), Link: uint32(symtabIdx + 1), Info: 1, Addralign: 8, Entsize: 24}, symbuf.Bytes()},
		out{".strtab", elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}, strtab.buf.Bytes()},
		out{".shstrtab", elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}, nil},
	)

	shstr := newStringTable()
	for i := range secs {
		secs[i].hdr.Name = shstr.add(secs[i].name)
	}
	secs[len(secs)-1].data = shstr.buf.Bytes()

	var body bytes.Buffer
	body.Write(make([]byte, 64))
	for i := range secs {
		pad(&body, 8)
		secs[i].hdr.Off = uint64(body.Len())
		if elf.SectionType(secs[i].hdr.Type) == elf.SHT_NOBITS {
			continue
		}
		secs[i].hdr.Size = uint64(len(secs[i].data))
		body.Write(secs[i].data)
	}
	pad(&body, 8)
	shoff := body.Len()
	binary.Write(&body, binary.LittleEndian, elf.Section64{})
	for _, s := range secs {
		binary.Write(&body, binary.LittleEndian, s.hdr)
	}

	hdr := elf.Header64{
		Type:      uint16(b.typ),
		Machine:   uint16(b.machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shoff),
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(secs) + 1),
		Shstrndx:  uint16(len(secs)),
	}
	copy(hdr.Ident[:], elfMagic)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	data := body.Bytes()
	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, hdr)
	copy(data, hbuf.Bytes())
	return data
}

type coffSection struct {
	name            string
	characteristics uint32
	data            []byte
	size            uint32
	relocs          []pe.Reloc
}

type coffSymbol struct {
	name    string
	value   uint32
	section int16
	typ     uint16
	class   uint8
	aux     [][pe.COFFSymbolSize]byte
}

// coffBuilder writes small AMD64 COFF objects. Section numbers are 1-based
// like in the format, symbol indices count auxiliary records.
type coffBuilder struct {
	machine  uint16
	optional uint16
	sections []*coffSection
	symbols  []coffSymbol
	nsyms    int
}

func newCOFF() *coffBuilder {
	return &coffBuilder{machine: pe.IMAGE_FILE_MACHINE_AMD64}
}

const coffAlign16 = 5 << scnAlignShift

func (b *coffBuilder) section(name string, characteristics uint32, data []byte) int16 {
	b.sections = append(b.sections, &coffSection{name: name, characteristics: characteristics, data: data, size: uint32(len(data))})
	return int16(len(b.sections))
}

func (b *coffBuilder) text(code []byte) int16 {
	return b.section(".text", pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ|coffAlign16, code)
}

func (b *coffBuilder) bss(name string, size uint32) int16 {
	b.sections = append(b.sections, &coffSection{name: name, characteristics: pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE | coffAlign16, size: size})
	return int16(len(b.sections))
}

func (b *coffBuilder) symbol(name string, section int16, value uint32, typ uint16, class uint8) int {
	idx := b.nsyms
	b.symbols = append(b.symbols, coffSymbol{name: name, value: value, section: section, typ: typ, class: class})
	b.nsyms++
	return idx
}

// sectionSymbol adds the static symbol with one auxiliary record that
// compilers emit for every section
func (b *coffBuilder) sectionSymbol(section int16) int {
	idx := b.nsyms
	var aux [pe.COFFSymbolSize]byte
	binary.LittleEndian.PutUint32(aux[0:], b.sections[section-1].size)
	b.symbols = append(b.symbols, coffSymbol{name: b.sections[section-1].name, section: section, class: symClassStatic, aux: [][pe.COFFSymbolSize]byte{aux}})
	b.nsyms += 2
	return idx
}

// weakExternal adds a weak external falling back to the symbol at index def
func (b *coffBuilder) weakExternal(name string, def int) int {
	idx := b.nsyms
	var aux [pe.COFFSymbolSize]byte
	binary.LittleEndian.PutUint32(aux[0:], uint32(def))
	binary.LittleEndian.PutUint32(aux[4:], 3) // IMAGE_WEAK_EXTERN_SEARCH_ALIAS
	b.symbols = append(b.symbols, coffSymbol{name: name, class: symClassWeakExternal, aux: [][pe.COFFSymbolSize]byte{aux}})
	b.nsyms += 2
	return idx
}

// reloc adds a relocation and stores the in-place addend in the section
func (b *coffBuilder) reloc(section int16, off uint32, sym int, typ uint16, stored int64) {
	sec := b.sections[section-1]
	sec.relocs = append(sec.relocs, pe.Reloc{VirtualAddress: off, SymbolTableIndex: uint32(sym), Type: typ})
	if typ == relAMD64Addr64 {
		binary.LittleEndian.PutUint64(sec.data[off:], uint64(stored))
	} else {
		binary.LittleEndian.PutUint32(sec.data[off:], uint32(stored))
	}
}

func (b *coffBuilder) bytes() []byte {
	strtab := &bytes.Buffer{}
	strtab.Write(make([]byte, 4))
	long := func(s string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		return off
	}

	var body bytes.Buffer
	body.Write(make([]byte, coffHeaderSize+len(b.sections)*coffSectionHeaderSize))
	headers := make([]pe.SectionHeader32, len(b.sections))
	for i, s := range b.sections {
		h := &headers[i]
		if len(s.name) > 8 {
			copy(h.Name[:], "/"+strconv.FormatUint(uint64(long(s.name)), 10))
		} else {
			copy(h.Name[:], s.name)
		}
		h.SizeOfRawData = s.size
		h.Characteristics = s.characteristics
		if s.data != nil {
			h.PointerToRawData = uint32(body.Len())
			body.Write(s.data)
		}
		if len(s.relocs) > 0 {
			h.PointerToRelocations = uint32(body.Len())
			h.NumberOfRelocations = uint16(len(s.relocs))
			binary.Write(&body, binary.LittleEndian, s.relocs)
		}
	}

	symoff := body.Len()
	for _, s := range b.symbols {
		rec := pe.COFFSymbol{Value: s.value, SectionNumber: s.section, Type: s.typ, StorageClass: s.class, NumberOfAuxSymbols: uint8(len(s.aux))}
		if len(s.name) > 8 {
			binary.LittleEndian.PutUint32(rec.Name[4:], long(s.name))
		} else {
			copy(rec.Name[:], s.name)
		}
		binary.Write(&body, binary.LittleEndian, rec)
		for _, a := range s.aux {
			body.Write(a[:])
		}
	}
	st := strtab.Bytes()
	binary.LittleEndian.PutUint32(st, uint32(len(st)))
	body.Write(st)

	fh := pe.FileHeader{
		Machine:              b.machine,
		NumberOfSections:     uint16(len(b.sections)),
		PointerToSymbolTable: uint32(symoff),
		NumberOfSymbols:      uint32(b.nsyms),
		SizeOfOptionalHeader: b.optional,
	}
	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, fh)
	binary.Write(&hbuf, binary.LittleEndian, headers)
	data := body.Bytes()
	copy(data, hbuf.Bytes())
	return data
}
