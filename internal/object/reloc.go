package object

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// A RelocKind is a format independent relocation kind. Readers translate
// native relocation types into these, so applying a relocation never
// depends on where it came from.
type RelocKind uint8

const (
	RelocAbs64      RelocKind = iota + 1 // S + A, 64 bit
	RelocAbs32                           // S + A, zero extended 32 bit
	RelocAbs32S                          // S + A, sign extended 32 bit
	RelocRel32                           // S + A - P, 32 bit
	RelocRel64                           // S + A - P, 64 bit
	RelocImageRel32                      // S + A - B, 32 bit
	RelocGotRel32                        // G + A - P, 32 bit, rewritten by the linker
)

// Addressing is how the written value relates to the target address
type Addressing uint8

const (
	AddrAbsolute Addressing = iota
	AddrPCRelative
	AddrImageRelative
	AddrGOT
)

type relocInfo struct {
	name   string
	width  int
	mode   Addressing
	signed bool
}

var relocTable = [...]relocInfo{
	RelocAbs64:      {"ABS64", 8, AddrAbsolute, false},
	RelocAbs32:      {"ABS32", 4, AddrAbsolute, false},
	RelocAbs32S:     {"ABS32S", 4, AddrAbsolute, true},
	RelocRel32:      {"REL32", 4, AddrPCRelative, true},
	RelocRel64:      {"REL64", 8, AddrPCRelative, true},
	RelocImageRel32: {"IMAGEREL32", 4, AddrImageRelative, false},
	RelocGotRel32:   {"GOTREL32", 4, AddrGOT, true},
}

// Valid reports whether k is a known kind
func (k RelocKind) Valid() bool {
	return k > 0 && int(k) < len(relocTable)
}

func (k RelocKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("RELOC(%d)", uint8(k))
	}
	return relocTable[k].name
}

// Width is the number of bytes written at the relocation site
func (k RelocKind) Width() int {
	if !k.Valid() {
		return 0
	}
	return relocTable[k].width
}

// Mode returns the addressing mode of k, AddrAbsolute for unknown kinds
func (k RelocKind) Mode() Addressing {
	if !k.Valid() {
		return AddrAbsolute
	}
	return relocTable[k].mode
}

// AddressDependent reports whether the written value changes when the image
// moves, meaning the loader must apply it again at the final base.
func (k RelocKind) AddressDependent() bool {
	return k.Valid() && k.Mode() == AddrAbsolute
}

var errGOTNotRewritten = errors.New("GOT-relative relocation reached the writer without a GOT slot")

// Apply writes the value of relocation r into data. target is the address of
// the relocation's symbol, place the address of the relocated field and base
// the image base, all in the same address space.
func Apply(data []byte, r Relocation, target, place, base uint64) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown relocation kind %d", r.Kind)
	}
	info := relocTable[r.Kind]
	if r.Offset > uint64(len(data)) || uint64(len(data))-r.Offset < uint64(info.width) {
		return fmt.Errorf("%s relocation at 0x%x outside of %d bytes", info.name, r.Offset, len(data))
	}

	value := target + uint64(r.Addend)
	switch r.Kind.Mode() {
	case AddrAbsolute:
	case AddrPCRelative:
		value -= place
	case AddrImageRelative:
		value -= base
	case AddrGOT:
		return errGOTNotRewritten
	}

	field := data[r.Offset : r.Offset+uint64(info.width)]
	if info.width == 8 {
		binary.LittleEndian.PutUint64(field, value)
		return nil
	}

	if info.signed {
		if v := int64(value); v < math.MinInt32 || v > math.MaxInt32 {
			return &RelocationOverflowError{Kind: r.Kind, Offset: r.Offset, Value: v}
		}
	} else if value > math.MaxUint32 {
		return &RelocationOverflowError{Kind: r.Kind, Offset: r.Offset, Value: int64(value)}
	}
	binary.LittleEndian.PutUint32(field, uint32(value))
	return nil
}

// Read returns the value currently stored in the field of r, sign extended
// for signed kinds.
func Read(data []byte, r Relocation) (int64, error) {
	w := r.Kind.Width()
	if w == 0 || r.Offset > uint64(len(data)) || uint64(len(data))-r.Offset < uint64(w) {
		return 0, fmt.Errorf("%s relocation at 0x%x outside of %d bytes", r.Kind, r.Offset, len(data))
	}
	if w == 8 {
		return int64(binary.LittleEndian.Uint64(data[r.Offset:])), nil
	}
	v := binary.LittleEndian.Uint32(data[r.Offset:])
	if relocTable[r.Kind].signed {
		return int64(int32(v)), nil
	}
	return int64(v), nil
}
