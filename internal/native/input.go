package native

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/barf/internal/object"
)

// input is a bounds checked view of the raw file bytes
type input struct {
	name string
	data []byte
}

func (in *input) slice(table string, off, size uint64) ([]byte, error) {
	end := off + size
	if end < off || end > uint64(len(in.data)) {
		return nil, &object.TruncatedError{
			File:   in.name,
			Table:  table,
			Offset: off,
			Size:   size,
			Length: uint64(len(in.data)),
		}
	}
	return in.data[off:end], nil
}

// decode reads one fixed layout record at off
func decode[T any](in *input, table string, off uint64) (T, error) {
	var v T
	b, err := in.slice(table, off, uint64(binary.Size(v)))
	if err != nil {
		return v, err
	}
	err = binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v, err
}

// decodeTable reads count consecutive fixed layout records at off
func decodeTable[T any](in *input, table string, off, count uint64) ([]T, error) {
	var zero T
	size := uint64(binary.Size(zero))
	if count > 0 && size*count/count != size {
		return nil, in.formatError(int64(off), fmt.Sprintf("%s count %d overflows", table, count))
	}
	b, err := in.slice(table, off, size*count)
	if err != nil {
		return nil, err
	}
	out := make([]T, count)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// cstring returns the NUL terminated string at off in a string table
func (in *input) cstring(table []byte, off uint64, what string) (string, error) {
	if off >= uint64(len(table)) {
		if off == 0 {
			return "", nil
		}
		return "", in.formatError(-1, fmt.Sprintf("%s name offset 0x%x outside string table of 0x%x bytes", what, off, len(table)))
	}
	s := table[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s), nil
}

func (in *input) formatError(off int64, reason string) error {
	return &object.FormatError{File: in.name, Offset: off, Reason: reason}
}

// sectionBytes copies the raw bytes of a section out of the input
func (in *input) sectionBytes(name string, off, size uint64) ([]byte, error) {
	b, err := in.slice("section "+name, off, size)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	copy(data, b)
	return data, nil
}
