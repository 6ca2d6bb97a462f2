package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
)

// stringTable interns names in first-use order
type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	st := &stringTable{offsets: map[string]uint32{"": 0}}
	st.buf.WriteByte(0)
	return st
}

func (st *stringTable) add(s string) uint32 {
	if off, ok := st.offsets[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.offsets[s] = off
	return off
}

// Marshal encodes an artifact. The same artifact always gives the same bytes.
func Marshal(a *object.Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("container: nil artifact")
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("container: %w", err)
	}
	for _, sec := range a.Sections {
		if sec.Size > math.MaxUint32 || sec.Align > math.MaxUint32 {
			return nil, fmt.Errorf("container: section %q is too large", sec.Name)
		}
	}

	strs := newStringTable()
	sections := make([]sectionEntry, len(a.Sections))
	for i, sec := range a.Sections {
		sections[i] = sectionEntry{
			Name:  strs.add(sec.Name),
			Kind:  uint8(sec.Kind),
			Align: uint32(sec.Align),
			Addr:  sec.Addr,
			Size:  sec.Size,
		}
		if sec.ZeroFill() {
			sections[i].Flags |= sectionZeroFill
		}
	}
	symbols := make([]symbolEntry, len(a.Symbols))
	for i, sym := range a.Symbols {
		symbols[i] = symbolEntry{
			Name:    strs.add(sym.Name),
			Kind:    uint8(sym.Kind),
			Binding: uint8(sym.Binding),
			Section: int32(sym.Section),
			Offset:  sym.Offset,
		}
	}
	imports := make([]uint32, len(a.Imports))
	for i, name := range a.Imports {
		imports[i] = strs.add(name)
	}
	relocs := make([]relocEntry, 0, a.RelocCount())
	for i, sec := range a.Sections {
		for _, r := range sec.Relocs {
			relocs = append(relocs, relocEntry{
				Section: uint32(i),
				Symbol:  uint32(r.Symbol),
				Offset:  r.Offset,
				Addend:  r.Addend,
				Kind:    uint8(r.Kind),
			})
		}
	}
	entry := strs.add(a.Entry)

	stringsOffset := uint64(headerSize) +
		uint64(len(sections))*sectionSize +
		uint64(len(symbols))*symbolSize +
		uint64(len(imports))*importSize +
		uint64(len(relocs))*relocSize
	dataOffset := engine.AlignUp(stringsOffset+uint64(strs.buf.Len()), dataAlign)

	// Place section bytes.
	end := dataOffset
	for i, sec := range a.Sections {
		if sec.ZeroFill() {
			continue
		}
		end = engine.AlignUp(end, fileAlign(sec.Align))
		sections[i].DataOffset = uint32(end)
		end += sec.Size
	}
	if end > math.MaxUint32 {
		return nil, fmt.Errorf("container: artifact of %d bytes is too large", end)
	}

	hdr := fileHeader{
		Version:       Version,
		Machine:       machineCode(a.Arch),
		SectionCount:  uint32(len(sections)),
		SymbolCount:   uint32(len(symbols)),
		ImportCount:   uint32(len(imports)),
		RelocCount:    uint32(len(relocs)),
		StringsOffset: uint32(stringsOffset),
		StringsSize:   uint32(strs.buf.Len()),
		Entry:         entry,
		DataOffset:    uint32(dataOffset),
		TotalSize:     end,
	}
	copy(hdr.Magic[:], Magic)
	if a.Entry == "" {
		hdr.Flags |= FlagLibrary
	}

	out := make([]byte, headerSize, end)
	var err error
	for _, table := range []any{sections, symbols, imports, relocs} {
		if out, err = binary.Append(out, binary.LittleEndian, table); err != nil {
			return nil, err
		}
	}
	out = append(out, strs.buf.Bytes()...)
	out = append(out, make([]byte, end-uint64(len(out)))...)
	for i, sec := range a.Sections {
		if !sec.ZeroFill() {
			copy(out[sections[i].DataOffset:], sec.Data)
		}
	}

	hdr.Checksum = crc32.ChecksumIEEE(out[headerSize:])
	if _, err := binary.Encode(out[:headerSize], binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode writes the encoded artifact to w
func Encode(w io.Writer, a *object.Artifact) error {
	data, err := Marshal(a)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func fileAlign(align uint64) uint64 {
	if align < 1 {
		return 1
	}
	if align > dataAlign {
		return dataAlign
	}
	return align
}
