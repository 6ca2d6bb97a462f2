package object

import (
	"fmt"
	"strings"
)

// Error taxonomy. Every error carries enough context (file, section, symbol,
// offset) to localize the fault; callers match them with errors.As.

// FormatError is returned for unrecognized or malformed native objects
type FormatError struct {
	File   string
	Offset int64 // -1 when not tied to a file offset
	Reason string
}

func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s: invalid object: %s", fileName(e.File), e.Reason)
	}
	return fmt.Sprintf("%s: invalid object at 0x%x: %s", fileName(e.File), e.Offset, e.Reason)
}

// TruncatedError is returned when a table declared by a header runs past
// the end of the input
type TruncatedError struct {
	File   string
	Table  string
	Offset uint64
	Size   uint64
	Length uint64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%s: truncated %s: needs bytes 0x%x..0x%x, input has 0x%x",
		fileName(e.File), e.Table, e.Offset, e.Offset+e.Size, e.Length)
}

// UnsupportedArchitectureError is returned for structurally valid input
// whose machine type cannot be relocated or executed
type UnsupportedArchitectureError struct {
	File    string
	Machine string
	Reason  string
}

func (e *UnsupportedArchitectureError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: unsupported architecture %s: %s", fileName(e.File), e.Machine, e.Reason)
	}
	return fmt.Sprintf("%s: unsupported architecture %s", fileName(e.File), e.Machine)
}

// UnsupportedRelocationError is returned for native relocation types that
// have no RelocKind. They are never skipped.
type UnsupportedRelocationError struct {
	File    string
	Section string
	Offset  uint64
	Type    string
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("%s: %s+0x%x: unsupported relocation type %s", fileName(e.File), e.Section, e.Offset, e.Type)
}

// CorruptContainerError is returned when a BARF container is internally
// inconsistent
type CorruptContainerError struct {
	File   string
	Offset uint64
	Reason string
}

func (e *CorruptContainerError) Error() string {
	return fmt.Sprintf("%s: corrupt container at 0x%x: %s", fileName(e.File), e.Offset, e.Reason)
}

// VersionMismatchError is returned for containers newer than this build
type VersionMismatchError struct {
	File      string
	Version   uint16
	Supported uint16
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: container version %d is newer than supported version %d", fileName(e.File), e.Version, e.Supported)
}

// DuplicateSymbolError is returned when two inputs export the same name
type DuplicateSymbolError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate global symbol %q defined in %s and %s", e.Name, fileName(e.First), fileName(e.Second))
}

// MissingEntryPointError is returned when the entry symbol is not a defined
// global of the artifact
type MissingEntryPointError struct {
	Name string
}

func (e *MissingEntryPointError) Error() string {
	return fmt.Sprintf("entry point %q is not defined", e.Name)
}

// UnresolvedImportError is returned at load time when neither the artifact
// nor the platform function table provides a name
type UnresolvedImportError struct {
	Name        string
	Suggestions []string
}

func (e *UnresolvedImportError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("unresolved import %q (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("unresolved import %q", e.Name)
}

// RelocationOverflowError is returned when a relocated value does not fit
// the width of its field
type RelocationOverflowError struct {
	Kind    RelocKind
	Section string
	Symbol  string
	Offset  uint64
	Value   int64
}

func (e *RelocationOverflowError) Error() string {
	where := fmt.Sprintf("0x%x", e.Offset)
	if e.Section != "" {
		where = fmt.Sprintf("%s+0x%x", e.Section, e.Offset)
	}
	if e.Symbol != "" {
		return fmt.Sprintf("%s: %s relocation to %q overflows (value 0x%x)", where, e.Kind, e.Symbol, e.Value)
	}
	return fmt.Sprintf("%s: %s relocation overflows (value 0x%x)", where, e.Kind, e.Value)
}

func fileName(name string) string {
	if name == "" {
		return "<input>"
	}
	return name
}
