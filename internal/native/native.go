// Package native reads relocatable object files produced by a system
// compiler (ELF and COFF) into the shared object model.
package native

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/barf/internal/container"
	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
)

// Format is a detected input container format
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatCOFF
	FormatBARF
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatCOFF:
		return "COFF"
	case FormatBARF:
		return "BARF"
	case FormatPE:
		return "PE"
	default:
		return "unknown"
	}
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Detect recognizes the container format from the leading bytes
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return FormatELF
	case bytes.HasPrefix(data, []byte(container.Magic)):
		return FormatBARF
	case bytes.HasPrefix(data, []byte("MZ")):
		return FormatPE
	case looksLikeCOFF(data):
		return FormatCOFF
	default:
		return FormatUnknown
	}
}

// COFF object files have no signature, so the header is checked the way a
// linker would: a known machine, no optional header and a sane section count.
func looksLikeCOFF(data []byte) bool {
	if len(data) < coffHeaderSize {
		return false
	}
	machine := binary.LittleEndian.Uint16(data[0:])
	sections := binary.LittleEndian.Uint16(data[2:])
	optional := binary.LittleEndian.Uint16(data[16:])
	switch machine {
	case pe.IMAGE_FILE_MACHINE_AMD64, pe.IMAGE_FILE_MACHINE_I386,
		pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT,
		pe.IMAGE_FILE_MACHINE_ARM64:
	default:
		return false
	}
	return optional == 0 && sections > 0 && sections < 0xff00
}

// Read parses a native object file. The input bytes are never modified.
func Read(name string, data []byte) (*object.Object, error) {
	var (
		obj *object.Object
		err error
	)
	format := Detect(data)
	switch format {
	case FormatELF:
		obj, err = readELF(&input{name: name, data: data})
	case FormatCOFF:
		obj, err = readCOFF(&input{name: name, data: data})
	case FormatBARF:
		return nil, &object.FormatError{File: name, Offset: 0, Reason: "input is a BARF container, not a native object"}
	case FormatPE:
		return nil, &object.FormatError{File: name, Offset: 0, Reason: "input is a PE image; only relocatable objects can be converted"}
	default:
		return nil, &object.FormatError{File: name, Offset: 0, Reason: fmt.Sprintf("unrecognized signature % x", head(data, 4))}
	}
	if err != nil {
		return nil, err
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	logger.LogObjectRead(name, format.String(), len(obj.Sections), len(obj.Symbols))
	return obj, nil
}

func head(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}
