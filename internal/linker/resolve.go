package linker

import (
	"errors"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
)

// resolve builds the output symbol table. Locals are kept per input,
// exported names share one entry: a strong definition beats weak ones, two
// strong definitions are an error, and names nobody defines become imports.
func (l *link) resolve() error {
	for i, obj := range l.inputs {
		l.symMap[i] = make([]int, len(obj.Symbols))
		for j, sym := range obj.Symbols {
			if sym.Name == ImageBaseSymbol {
				l.symMap[i][j] = l.imageBase()
				continue
			}
			out := outSymbol{Symbol: sym, file: obj.Name}
			if sym.Defined() {
				p := l.pieces[i][sym.Section]
				out.secKind = p.kind
				out.Offset += p.offset
			}
			if !sym.Exported() {
				l.symMap[i][j] = l.add(out)
				continue
			}
			idx, err := l.bind(out)
			if err != nil {
				return err
			}
			l.symMap[i][j] = idx
		}
	}
	return nil
}

func (l *link) add(s outSymbol) int {
	l.symbols = append(l.symbols, s)
	return len(l.symbols) - 1
}

func (l *link) bind(s outSymbol) (int, error) {
	idx, seen := l.globals[s.Name]
	if !seen {
		if !s.Defined() {
			s.Kind = object.SymImport
			s.Offset = 0
		}
		idx = l.add(s)
		l.globals[s.Name] = idx
		return idx, nil
	}

	cur := &l.symbols[idx]
	switch {
	case !s.Defined():
		// a strong reference makes an unresolved import mandatory
		if !cur.Defined() && s.Binding == object.BindGlobal {
			cur.Binding = object.BindGlobal
		}
	case !cur.Defined():
		*cur = s
	case cur.Binding == object.BindWeak && s.Binding == object.BindGlobal:
		*cur = s
	case cur.Binding == object.BindGlobal && s.Binding == object.BindGlobal:
		return 0, &object.DuplicateSymbolError{Name: s.Name, First: cur.file, Second: s.file}
	}
	return idx, nil
}

// imageBase returns the output symbol standing for the image base. It is
// placed once the output sections are known.
func (l *link) imageBase() int {
	if l.base < 0 {
		l.base = l.add(outSymbol{Symbol: object.Symbol{
			Name:    ImageBaseSymbol,
			Kind:    object.SymData,
			Binding: object.BindLocal,
			Section: object.NoSection,
		}})
	}
	return l.base
}

func (l *link) defineImageBase() {
	if l.base < 0 {
		return
	}
	for _, kind := range object.SectionKinds {
		if l.out[kind].present {
			sym := &l.symbols[l.base]
			sym.Section = 0
			sym.secKind = kind
			sym.Offset = 0
			return
		}
	}
}

// synthesizeGOT gives every GOT-relative target a pointer sized slot in the
// data section holding its absolute address, and turns the reference into a PC
// relative one to the slot.
func (l *link) synthesizeGOT() {
	data := &l.out[object.KindData]
	for _, kind := range object.SectionKinds {
		m := &l.out[kind]
		for i := range m.sec.Relocs {
			r := m.sec.Relocs[i]
			if r.Kind != object.RelocGotRel32 {
				continue
			}
			slot, ok := l.got[r.Symbol]
			if !ok {
				slot = l.gotSlot(data, r.Symbol)
				l.got[r.Symbol] = slot
			}
			// gotSlot may have grown this slice
			m.sec.Relocs[i].Kind = object.RelocRel32
			m.sec.Relocs[i].Symbol = slot
		}
	}
}

func (l *link) gotSlot(data *merged, target int) int {
	ptr := uint64(l.arch.PtrSize())
	kind := object.RelocAbs64
	if ptr == 4 {
		kind = object.RelocAbs32
	}
	off := engine.AlignUp(data.sec.Size, ptr)
	data.sec.Data = append(data.sec.Data, make([]byte, off-data.sec.Size+ptr)...)
	data.sec.Size = off + ptr
	data.sec.Align = max(data.sec.Align, ptr)
	data.sec.Relocs = append(data.sec.Relocs, object.Relocation{Offset: off, Symbol: target, Kind: kind})
	data.present = true
	return l.add(outSymbol{
		Symbol: object.Symbol{
			Name:    l.symbols[target].Name + "@got",
			Kind:    object.SymData,
			Binding: object.BindLocal,
			Section: 0,
			Offset:  off,
		},
		secKind: object.KindData,
	})
}

// relocate writes every relocation whose target is defined, treating the
// image as loaded at address 0. Import targets are left zero for the loader.
func relocate(a *object.Artifact) error {
	for _, sec := range a.Sections {
		for _, r := range sec.Relocs {
			target, ok := a.Address(r.Symbol)
			if !ok {
				continue
			}
			if err := object.Apply(sec.Data, r, target, sec.Addr+r.Offset, 0); err != nil {
				var overflow *object.RelocationOverflowError
				if errors.As(err, &overflow) {
					overflow.Section = sec.Name
					overflow.Symbol = a.Symbols[r.Symbol].Name
				}
				return err
			}
		}
	}
	return nil
}
