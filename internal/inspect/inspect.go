// Package inspect renders objects and artifacts as text: headers, sections,
// symbols, relocations, imports, and optionally hexdumps and disassembly.
package inspect

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xyproto/barf/internal/object"
)

// Options selects the optional parts of a dump
type Options struct {
	Hex    bool   // hexdump section bytes
	Disasm bool   // disassemble code sections
	Syntax string // "intel" (default) or "gnu"
}

// view is what both dumps have in common
type view struct {
	sections []*object.Section
	symbols  []object.Symbol
	placed   bool
}

// Object writes a dump of a parsed native object
func Object(w io.Writer, obj *object.Object, opts Options) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "object %s\n", obj.Name)
	fmt.Fprintf(bw, "%sarch: %s\n", indent, obj.Arch)
	v := &view{sections: obj.Sections, symbols: obj.Symbols}
	v.write(bw, opts)
	return bw.Flush()
}

// Artifact writes a dump of a linked artifact
func Artifact(w io.Writer, a *object.Artifact, opts Options) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "artifact\n")
	fmt.Fprintf(bw, "%sarch: %s\n", indent, a.Arch)
	entry := a.Entry
	if entry == "" {
		entry = "(none, library)"
	}
	fmt.Fprintf(bw, "%sentry: %s\n", indent, entry)
	fmt.Fprintf(bw, "%simage size: 0x%x\n", indent, a.ImageSize())
	v := &view{sections: a.Sections, symbols: a.Symbols, placed: true}
	v.write(bw, opts)
	if len(a.Imports) > 0 {
		fmt.Fprintf(bw, "\nimports (%d):\n", len(a.Imports))
		for _, name := range a.Imports {
			fmt.Fprintf(bw, "%s%s\n", indent, name)
		}
	}
	return bw.Flush()
}

const indent = "  "

func sectionFlags(sec *object.Section) string {
	var flags []string
	if sec.Kind.Writable() {
		flags = append(flags, "WRITE")
	}
	if sec.Kind.Executable() {
		flags = append(flags, "EXEC")
	}
	if sec.ZeroFill() {
		flags = append(flags, "ZEROED")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, "|")
}

func (v *view) write(w *bufio.Writer, opts Options) {
	fmt.Fprintf(w, "\nsections (%d):\n", len(v.sections))
	for i, sec := range v.sections {
		fmt.Fprintf(w, "%s[%d] %-16s %-6s align %-5d", indent, i, sec.Name, sec.Kind, sec.Align)
		if v.placed {
			fmt.Fprintf(w, " addr 0x%08x", sec.Addr)
		}
		fmt.Fprintf(w, " size 0x%06x %s\n", sec.Size, sectionFlags(sec))
	}

	fmt.Fprintf(w, "\nsymbols (%d):\n", len(v.symbols))
	for i, sym := range v.symbols {
		where := "UNDEF"
		if sym.Defined() {
			where = fmt.Sprintf("%s+0x%x", v.sections[sym.Section].Name, sym.Offset)
		}
		fmt.Fprintf(w, "%s[%d] %-6s %-7s %-24s %s\n", indent, i, sym.Binding, sym.Kind, where, sym.Name)
	}

	for _, sec := range v.sections {
		if len(sec.Relocs) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nrelocations %s (%d):\n", sec.Name, len(sec.Relocs))
		for _, r := range sec.Relocs {
			fmt.Fprintf(w, "%s0x%08x %-10s %s%s\n", indent, r.Offset, r.Kind, v.target(r.Symbol), addend(r.Addend))
		}
	}

	if opts.Hex {
		for _, sec := range v.sections {
			if sec.ZeroFill() || len(sec.Data) == 0 || sec.Kind.Executable() && opts.Disasm {
				continue
			}
			fmt.Fprintf(w, "\ncontents of %s:\n", sec.Name)
			hexdump(w, sec.Data, sec.Addr)
		}
	}
	if opts.Disasm {
		for i, sec := range v.sections {
			if sec.Kind.Executable() && len(sec.Data) > 0 {
				fmt.Fprintf(w, "\ndisassembly of %s:\n", sec.Name)
				disassemble(w, v, i, opts.Syntax)
			}
		}
	}
}

// target describes a relocation target: its name and where it lives
func (v *view) target(i int) string {
	sym := &v.symbols[i]
	switch {
	case sym.Kind == object.SymSection:
		return sym.Name + " (section)"
	case !sym.Defined():
		return sym.Name + " (external)"
	case sym.Binding == object.BindLocal:
		return sym.Name + " (local)"
	default:
		return sym.Name + " (global)"
	}
}

func addend(a int64) string {
	switch {
	case a > 0:
		return fmt.Sprintf(" + 0x%x", a)
	case a < 0:
		return fmt.Sprintf(" - 0x%x", -a)
	default:
		return ""
	}
}
