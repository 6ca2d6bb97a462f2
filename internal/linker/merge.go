package linker

import (
	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
)

// A piece is where an input section landed in its merged section
type piece struct {
	kind   object.SectionKind
	offset uint64
}

// merged is one output section while it is being built
type merged struct {
	sec     object.Section
	present bool
}

// outSymbol is an output symbol whose section is still a kind, because the
// final section indexes are only known once empty kinds are dropped.
type outSymbol struct {
	object.Symbol
	secKind object.SectionKind
	file    string // defining input, for duplicate reports
}

type link struct {
	inputs  []*object.Object
	arch    engine.Arch
	pieces  [][]piece // per input, per input section
	out     [len(object.SectionKinds)]merged
	counts  map[object.SectionKind]int
	symbols []outSymbol
	symMap  [][]int // per input, input symbol -> output symbol
	globals map[string]int
	got     map[int]int // target symbol -> slot symbol
	base    int         // output index of __ImageBase, -1 when unused
}

func newLink(inputs []*object.Object) *link {
	l := &link{
		inputs:  inputs,
		arch:    inputs[0].Arch,
		pieces:  make([][]piece, len(inputs)),
		counts:  make(map[object.SectionKind]int),
		symMap:  make([][]int, len(inputs)),
		globals: make(map[string]int),
		got:     make(map[int]int),
		base:    -1,
	}
	for _, kind := range object.SectionKinds {
		m := &l.out[kind]
		m.sec = object.Section{Name: kind.DefaultName(), Kind: kind, Align: 1}
		if kind != object.KindBSS {
			m.sec.Data = []byte{}
		}
	}
	return l
}

// concatenate appends every input section to the merged section of its kind,
// in input order, padding each to its alignment.
func (l *link) concatenate() {
	for i, obj := range l.inputs {
		l.pieces[i] = make([]piece, len(obj.Sections))
		for j, sec := range obj.Sections {
			m := &l.out[sec.Kind]
			off := engine.AlignUp(m.sec.Size, sec.Align)
			if !sec.ZeroFill() {
				m.sec.Data = append(m.sec.Data, make([]byte, off-m.sec.Size)...)
				m.sec.Data = append(m.sec.Data, sec.Data...)
			}
			m.sec.Size = off + sec.Size
			m.sec.Align = max(m.sec.Align, sec.Align)
			m.present = true
			l.counts[sec.Kind]++
			l.pieces[i][j] = piece{kind: sec.Kind, offset: off}
			logger.Debug("Placed section", "file", obj.Name, "section", sec.Name, "into", m.sec.Name, "offset", off)
		}
	}
}

// collectRelocations moves every input relocation into its merged section
func (l *link) collectRelocations() {
	for i, obj := range l.inputs {
		for j, sec := range obj.Sections {
			p := l.pieces[i][j]
			m := &l.out[p.kind]
			for _, r := range sec.Relocs {
				r.Offset += p.offset
				r.Symbol = l.symMap[i][r.Symbol]
				m.sec.Relocs = append(m.sec.Relocs, r)
			}
		}
	}
}

// finish drops empty kinds and turns the output symbols into an artifact
func (l *link) finish(arch engine.Arch) *object.Artifact {
	a := &object.Artifact{Arch: arch}
	var index [len(object.SectionKinds)]int
	for _, kind := range object.SectionKinds {
		index[kind] = object.NoSection
		m := &l.out[kind]
		if !m.present {
			continue
		}
		index[kind] = len(a.Sections)
		sec := m.sec
		a.Sections = append(a.Sections, &sec)
	}
	a.Symbols = make([]object.Symbol, len(l.symbols))
	for i, s := range l.symbols {
		sym := s.Symbol
		if sym.Section != object.NoSection {
			sym.Section = index[s.secKind]
		} else {
			a.Imports = append(a.Imports, sym.Name)
		}
		a.Symbols[i] = sym
	}
	return a
}

// layout assigns addresses from base 0 in section order, each aligned to
// a page or to the section's alignment when that is larger
func layout(a *object.Artifact) {
	var addr uint64
	for _, sec := range a.Sections {
		addr = engine.AlignUp(addr, sec.PlacementAlign())
		sec.Addr = addr
		addr += sec.Size
	}
}
