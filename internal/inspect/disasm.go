package inspect

import (
	"bufio"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/exp/slices"

	"github.com/xyproto/barf/internal/object"
)

type label struct {
	addr uint64
	name string
}

// labels returns the named symbols of section sec sorted by address
func (v *view) labels(sec int) []label {
	var out []label
	base := v.sections[sec].Addr
	for _, sym := range v.symbols {
		if sym.Section != sec || sym.Kind == object.SymSection || sym.Name == "" {
			continue
		}
		out = append(out, label{addr: base + sym.Offset, name: sym.Name})
	}
	slices.SortFunc(out, func(a, b label) int {
		switch {
		case a.addr < b.addr:
			return -1
		case a.addr > b.addr:
			return 1
		default:
			return strings.Compare(a.name, b.name)
		}
	})
	return out
}

func disassemble(w *bufio.Writer, v *view, sec int, syntax string) {
	s := v.sections[sec]
	labels := v.labels(sec)
	relocs := slices.Clone(s.Relocs)
	slices.SortFunc(relocs, func(a, b object.Relocation) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})

	lookup := func(addr uint64) (string, uint64) {
		i, found := slices.BinarySearchFunc(labels, addr, func(l label, t uint64) int {
			switch {
			case l.addr < t:
				return -1
			case l.addr > t:
				return 1
			default:
				return 0
			}
		})
		if found {
			return labels[i].name, labels[i].addr
		}
		if i > 0 && addr < s.Addr+s.Size {
			return labels[i-1].name, labels[i-1].addr
		}
		return "", 0
	}

	next, ri := 0, 0
	for off := 0; off < len(s.Data); {
		pc := s.Addr + uint64(off)
		for next < len(labels) && labels[next].addr <= pc {
			if labels[next].addr == pc {
				fmt.Fprintf(w, "%s:\n", labels[next].name)
			}
			next++
		}

		inst, err := x86asm.Decode(s.Data[off:], 64)
		size := inst.Len
		text := ""
		if err != nil || size == 0 {
			size = 1
			text = fmt.Sprintf("(bad) %02x", s.Data[off])
		} else if syntax == "gnu" {
			text = x86asm.GNUSyntax(inst, pc, lookup)
		} else {
			text = x86asm.IntelSyntax(inst, pc, lookup)
		}

		w.WriteString(indent)
		writeHex(w, pc, 8)
		w.WriteString(":  ")
		raw := fmt.Sprintf("% x", s.Data[off:off+size])
		fmt.Fprintf(w, "%-30s %s", raw, text)

		// name the relocations that patch this instruction
		var notes []string
		for ri < len(relocs) && relocs[ri].Offset < uint64(off+size) {
			r := relocs[ri]
			notes = append(notes, fmt.Sprintf("%s %s%s", r.Kind, v.symbols[r.Symbol].Name, addend(r.Addend)))
			ri++
		}
		if len(notes) > 0 {
			fmt.Fprintf(w, "  ; %s", strings.Join(notes, ", "))
		}
		w.WriteByte('\n')
		off += size
	}
}
