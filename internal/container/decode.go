package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
)

type decoder struct {
	name    string
	data    []byte
	strings []byte
	hdr     fileHeader
}

func (d *decoder) corrupt(off uint64, format string, args ...any) error {
	return &object.CorruptContainerError{File: d.name, Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// Decode parses a container. The returned artifact does not alias data.
func Decode(data []byte) (*object.Artifact, error) {
	return decodeNamed("", data)
}

func decodeNamed(name string, data []byte) (*object.Artifact, error) {
	d := &decoder{name: name, data: data}
	if err := d.header(); err != nil {
		return nil, err
	}
	a, err := d.artifact()
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		var fe *object.FormatError
		if errors.As(err, &fe) {
			return nil, d.corrupt(0, "%s", fe.Reason)
		}
		return nil, err
	}
	return a, nil
}

func (d *decoder) header() error {
	if len(d.data) < len(Magic) || string(d.data[:len(Magic)]) != Magic {
		return d.corrupt(0, "bad magic")
	}
	if len(d.data) < headerSize {
		return d.corrupt(0, "header needs %d bytes, have %d", headerSize, len(d.data))
	}
	if _, err := binary.Decode(d.data[:headerSize], binary.LittleEndian, &d.hdr); err != nil {
		return d.corrupt(0, "header: %v", err)
	}
	h := &d.hdr
	if h.Version == 0 {
		return d.corrupt(4, "version 0")
	}
	if h.Version > Version {
		return &object.VersionMismatchError{File: d.name, Version: h.Version, Supported: Version}
	}
	if h.TotalSize != uint64(len(d.data)) {
		return d.corrupt(44, "total size %d does not match %d bytes of input", h.TotalSize, len(d.data))
	}
	if sum := crc32.ChecksumIEEE(d.data[headerSize:]); sum != h.Checksum {
		return d.corrupt(52, "checksum 0x%08x, computed 0x%08x", h.Checksum, sum)
	}

	tables := uint64(headerSize) +
		uint64(h.SectionCount)*sectionSize +
		uint64(h.SymbolCount)*symbolSize +
		uint64(h.ImportCount)*importSize +
		uint64(h.RelocCount)*relocSize
	if uint64(h.StringsOffset) != tables {
		return d.corrupt(28, "string table at 0x%x, tables end at 0x%x", h.StringsOffset, tables)
	}
	strEnd := uint64(h.StringsOffset) + uint64(h.StringsSize)
	if strEnd > h.TotalSize || uint64(h.DataOffset) < strEnd || uint64(h.DataOffset) > h.TotalSize {
		return d.corrupt(28, "string table 0x%x+0x%x or data offset 0x%x out of bounds", h.StringsOffset, h.StringsSize, h.DataOffset)
	}
	d.strings = d.data[h.StringsOffset:strEnd]
	if len(d.strings) == 0 || d.strings[len(d.strings)-1] != 0 {
		return d.corrupt(uint64(h.StringsOffset), "string table is not NUL terminated")
	}
	return nil
}

func (d *decoder) str(off uint32) (string, error) {
	if uint64(off) >= uint64(len(d.strings)) {
		return "", d.corrupt(uint64(d.hdr.StringsOffset)+uint64(off), "string offset 0x%x outside string table", off)
	}
	s := d.strings[off:]
	return string(s[:bytes.IndexByte(s, 0)]), nil
}

func decodeTable[T any](d *decoder, off uint64, count uint32) ([]T, error) {
	out := make([]T, count)
	if count == 0 {
		return out, nil
	}
	if _, err := binary.Decode(d.data[off:], binary.LittleEndian, out); err != nil {
		return nil, d.corrupt(off, "table: %v", err)
	}
	return out, nil
}

func (d *decoder) artifact() (*object.Artifact, error) {
	h := &d.hdr
	arch := machineArch(h.Machine)
	if arch == engine.ArchUnknown {
		return nil, d.corrupt(8, "unknown machine %d", h.Machine)
	}

	off := uint64(headerSize)
	sections, err := decodeTable[sectionEntry](d, off, h.SectionCount)
	if err != nil {
		return nil, err
	}
	off += uint64(h.SectionCount) * sectionSize
	symbols, err := decodeTable[symbolEntry](d, off, h.SymbolCount)
	if err != nil {
		return nil, err
	}
	off += uint64(h.SymbolCount) * symbolSize
	imports, err := decodeTable[uint32](d, off, h.ImportCount)
	if err != nil {
		return nil, err
	}
	off += uint64(h.ImportCount) * importSize
	relocs, err := decodeTable[relocEntry](d, off, h.RelocCount)
	if err != nil {
		return nil, err
	}

	a := &object.Artifact{Arch: arch}
	if a.Entry, err = d.str(h.Entry); err != nil {
		return nil, err
	}
	if (a.Entry == "") != (h.Flags&FlagLibrary != 0) {
		return nil, d.corrupt(6, "library flag disagrees with entry %q", a.Entry)
	}

	for i, e := range sections {
		at := uint64(headerSize) + uint64(i)*sectionSize
		name, err := d.str(e.Name)
		if err != nil {
			return nil, err
		}
		kind := object.SectionKind(e.Kind)
		if !kind.Valid() {
			return nil, d.corrupt(at, "section %q has unknown kind %d", name, e.Kind)
		}
		zero := e.Flags&sectionZeroFill != 0
		if zero != (kind == object.KindBSS) {
			return nil, d.corrupt(at, "section %q zero-fill flag disagrees with kind %s", name, kind)
		}
		sec := &object.Section{Name: name, Kind: kind, Align: uint64(e.Align), Size: e.Size, Addr: e.Addr}
		if !zero {
			start := uint64(e.DataOffset)
			if start < uint64(h.DataOffset) || start+e.Size < start || start+e.Size > h.TotalSize {
				return nil, d.corrupt(at, "section %q data 0x%x+0x%x out of bounds", name, e.DataOffset, e.Size)
			}
			sec.Data = make([]byte, e.Size)
			copy(sec.Data, d.data[start:start+e.Size])
		}
		a.Sections = append(a.Sections, sec)
	}

	a.Symbols = make([]object.Symbol, len(symbols))
	for i, e := range symbols {
		at := uint64(headerSize) + uint64(h.SectionCount)*sectionSize + uint64(i)*symbolSize
		name, err := d.str(e.Name)
		if err != nil {
			return nil, err
		}
		if e.Kind > uint8(object.SymImport) || e.Binding > uint8(object.BindWeak) {
			return nil, d.corrupt(at, "symbol %q has kind %d binding %d", name, e.Kind, e.Binding)
		}
		if e.Section != object.NoSection && (e.Section < 0 || int(e.Section) >= len(a.Sections)) {
			return nil, d.corrupt(at, "symbol %q section %d out of range", name, e.Section)
		}
		a.Symbols[i] = object.Symbol{
			Name:    name,
			Kind:    object.SymbolKind(e.Kind),
			Binding: object.Binding(e.Binding),
			Section: int(e.Section),
			Offset:  e.Offset,
		}
	}

	if len(imports) > 0 {
		a.Imports = make([]string, len(imports))
	}
	for i, off := range imports {
		if a.Imports[i], err = d.str(off); err != nil {
			return nil, err
		}
	}

	relocBase := uint64(h.StringsOffset) - uint64(h.RelocCount)*relocSize
	for i, e := range relocs {
		at := relocBase + uint64(i)*relocSize
		if int(e.Section) >= len(a.Sections) {
			return nil, d.corrupt(at, "relocation section %d out of range", e.Section)
		}
		if int(e.Symbol) >= len(a.Symbols) {
			return nil, d.corrupt(at, "relocation symbol %d out of range", e.Symbol)
		}
		kind := object.RelocKind(e.Kind)
		if !kind.Valid() {
			return nil, d.corrupt(at, "unknown relocation kind %d", e.Kind)
		}
		sec := a.Sections[e.Section]
		sec.Relocs = append(sec.Relocs, object.Relocation{
			Offset: e.Offset,
			Symbol: int(e.Symbol),
			Kind:   kind,
			Addend: e.Addend,
		})
	}
	return a, nil
}
