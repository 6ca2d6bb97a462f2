package native

import (
	"bytes"
	"debug/pe"
	"errors"
	"testing"

	"github.com/xyproto/barf/internal/object"
)

const (
	coffAlign1 = 1 << scnAlignShift
	coffAlign8 = 4 << scnAlignShift
)

func helloCOFF() *coffBuilder {
	b := newCOFF()
	text := b.text(append([]byte(nil), helloCode...))
	rodata := b.section(".rodata", pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ|coffAlign1, []byte("hello\n\x00"))
	data := b.section(".data", pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_WRITE|coffAlign8, make([]byte, 8))
	bss := b.bss(".bss", 16)
	b.section(".drectve", scnLnkInfo|scnLnkRemove|coffAlign1, []byte(" /DEFAULTLIB:libcmt"))

	b.symbol(".file", symDebug, 0, 0, symClassFile)
	b.sectionSymbol(text)
	rosym := b.sectionSymbol(rodata)
	b.symbol("counter", bss, 8, 0, symClassStatic)
	entry := b.symbol("ba_entry", text, 0, symTypeFunction, symClassExternal)
	printf := b.symbol("log__printf", symUndefined, 0, symTypeFunction, symClassExternal)
	b.symbol("table", data, 0, 0, symClassExternal)
	b.symbol("common_buf", symUndefined, 64, 0, symClassExternal)

	b.reloc(text, 3, rosym, relAMD64Rel32, 0)
	b.reloc(text, 8, printf, relAMD64Rel32, 0)
	b.reloc(data, 0, entry, relAMD64Addr64, 0)
	return b
}

func TestReadCOFF(t *testing.T) {
	raw := helloCOFF().bytes()
	if f := Detect(raw); f != FormatCOFF {
		t.Fatalf("Expected COFF to be detected, got %s", f)
	}
	orig := append([]byte(nil), raw...)

	obj, err := Read("hello.obj", raw)
	if err != nil {
		t.Fatalf("Failed to read COFF object: %v", err)
	}
	if !bytes.Equal(raw, orig) {
		t.Error("Read must not modify its input")
	}

	wantSections := []struct {
		name  string
		kind  object.SectionKind
		align uint64
		size  uint64
	}{
		{".text", object.KindCode, 16, 16},
		{".rodata", object.KindROData, 1, 7},
		{".data", object.KindData, 8, 8},
		{".bss", object.KindBSS, 16, 16},
		{"COMMON.common_buf", object.KindBSS, 32, 64},
	}
	if len(obj.Sections) != len(wantSections) {
		t.Fatalf("Expected %d sections, got %d", len(wantSections), len(obj.Sections))
	}
	for i, want := range wantSections {
		sec := obj.Sections[i]
		if sec.Name != want.name || sec.Kind != want.kind || sec.Align != want.align || sec.Size != want.size {
			t.Errorf("Section %d: expected %s %s align %d size 0x%x, got %s %s align %d size 0x%x",
				i, want.name, want.kind, want.align, want.size, sec.Name, sec.Kind, sec.Align, sec.Size)
		}
	}

	var names []string
	for _, sym := range obj.Symbols {
		names = append(names, sym.Name)
	}
	want := []string{".text", ".rodata", "counter", "ba_entry", "log__printf", "table", "common_buf"}
	if len(names) != len(want) {
		t.Fatalf("Expected symbols %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Expected symbols %v, got %v", want, names)
		}
	}
	if s := obj.Symbols[1]; s.Kind != object.SymSection {
		t.Errorf("Expected .rodata to be a section symbol, got %s", s.Kind)
	}
	if s := obj.Symbols[3]; s.Kind != object.SymFunc || s.Binding != object.BindGlobal {
		t.Errorf("Expected ba_entry to be a global function, got %s %s", s.Kind, s.Binding)
	}
	if s := obj.Symbols[4]; s.Defined() {
		t.Error("Expected log__printf to be undefined")
	}

	wantRelocs := []object.Relocation{
		{Offset: 3, Symbol: 1, Kind: object.RelocRel32, Addend: -4},
		{Offset: 8, Symbol: 4, Kind: object.RelocRel32, Addend: -4},
	}
	text := obj.Sections[0]
	if len(text.Relocs) != len(wantRelocs) {
		t.Fatalf("Expected %d text relocations, got %d", len(wantRelocs), len(text.Relocs))
	}
	for i, want := range wantRelocs {
		if text.Relocs[i] != want {
			t.Errorf("Relocation %d: expected %+v, got %+v", i, want, text.Relocs[i])
		}
	}
	if !bytes.Equal(text.Data, helloCode) {
		t.Errorf("Expected relocation sites to be zero, got % x", text.Data)
	}
}

func TestReadCOFFRelocationAddends(t *testing.T) {
	b := newCOFF()
	text := b.text(make([]byte, 24))
	sym := b.symbol("ext", symUndefined, 0, 0, symClassExternal)
	b.reloc(text, 0, sym, relAMD64Rel32+4, 0) // REL32_4
	b.reloc(text, 4, sym, relAMD64Addr32NB, 0x10)
	b.reloc(text, 8, sym, relAMD64Addr32, 0x20)
	b.reloc(text, 16, sym, relAMD64Addr64, -1)

	obj, err := Read("addend.obj", b.bytes())
	if err != nil {
		t.Fatalf("Failed to read COFF object: %v", err)
	}
	want := []object.Relocation{
		{Offset: 0, Kind: object.RelocRel32, Addend: -8},
		{Offset: 4, Kind: object.RelocImageRel32, Addend: 0x10},
		{Offset: 8, Kind: object.RelocAbs32, Addend: 0x20},
		{Offset: 16, Kind: object.RelocAbs64, Addend: -1},
	}
	relocs := obj.Sections[0].Relocs
	if len(relocs) != len(want) {
		t.Fatalf("Expected %d relocations, got %d", len(want), len(relocs))
	}
	for i := range want {
		if relocs[i] != want[i] {
			t.Errorf("Relocation %d: expected %+v, got %+v", i, want[i], relocs[i])
		}
	}
	if !bytes.Equal(obj.Sections[0].Data, make([]byte, 24)) {
		t.Errorf("Expected stored addends to be cleared, got % x", obj.Sections[0].Data)
	}
}

func TestReadCOFFLongSectionName(t *testing.T) {
	b := newCOFF()
	b.section(".rdata$zzz_long_name", pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ|coffAlign8, []byte("abc\x00"))
	b.symbol("very_long_symbol_name", 1, 0, 0, symClassExternal)

	obj, err := Read("long.obj", b.bytes())
	if err != nil {
		t.Fatalf("Failed to read COFF object: %v", err)
	}
	if obj.Sections[0].Name != ".rdata$zzz_long_name" {
		t.Errorf("Expected the long section name, got %q", obj.Sections[0].Name)
	}
	if obj.Symbols[0].Name != "very_long_symbol_name" {
		t.Errorf("Expected the long symbol name, got %q", obj.Symbols[0].Name)
	}
}

func TestReadCOFFWeakExternal(t *testing.T) {
	b := newCOFF()
	text := b.text(make([]byte, 8))
	def := b.symbol("hook_default", text, 4, symTypeFunction, symClassExternal)
	b.weakExternal("hook", def)
	b.weakExternal("missing", 99)

	obj, err := Read("weak.obj", b.bytes())
	if err != nil {
		t.Fatalf("Failed to read COFF object: %v", err)
	}
	if len(obj.Symbols) != 3 {
		t.Fatalf("Expected 3 symbols, got %d", len(obj.Symbols))
	}
	hook := obj.Symbols[1]
	if hook.Binding != object.BindWeak || !hook.Defined() || hook.Offset != 4 {
		t.Errorf("Expected hook to be a weak definition at .text+4, got %+v", hook)
	}
	if missing := obj.Symbols[2]; missing.Defined() || missing.Binding != object.BindWeak {
		t.Errorf("Expected missing to stay a weak import, got %+v", missing)
	}
}

func TestReadCOFFWeakExternalAlias(t *testing.T) {
	b := newCOFF()
	text := b.text(make([]byte, 8))
	impl := b.symbol("hook_impl", symUndefined, 0, 0, symClassExternal)
	hook := b.weakExternal("hook", impl)
	b.reloc(text, 4, hook, relAMD64Rel32, 0)

	obj, err := Read("alias.obj", b.bytes())
	if err != nil {
		t.Fatalf("Failed to read COFF object: %v", err)
	}
	if len(obj.Symbols) != 2 {
		t.Fatalf("Expected 2 symbols, got %d", len(obj.Symbols))
	}
	alias := obj.Symbols[1]
	if alias.Name != "hook_impl" || alias.Binding != object.BindGlobal || alias.Defined() {
		t.Errorf("Expected hook to alias the import hook_impl, got %+v", alias)
	}
	r := obj.Sections[0].Relocs[0]
	if obj.Symbols[r.Symbol].Name != "hook_impl" {
		t.Errorf("Expected the reference to bind to hook_impl, got %s", obj.Symbols[r.Symbol].Name)
	}
}

func TestReadCOFFUnsupportedRelocation(t *testing.T) {
	b := newCOFF()
	text := b.text(make([]byte, 8))
	sym := b.symbol("ext", symUndefined, 0, 0, symClassExternal)
	b.reloc(text, 4, sym, 0x0b, 0) // SECREL

	_, err := Read("secrel.obj", b.bytes())
	var relocErr *object.UnsupportedRelocationError
	if !errors.As(err, &relocErr) {
		t.Fatalf("Expected UnsupportedRelocationError, got %v", err)
	}
	if relocErr.Type != "IMAGE_REL_AMD64_SECREL" || relocErr.Offset != 4 {
		t.Errorf("Unexpected error context: %+v", relocErr)
	}
}

func TestReadCOFFUnsupportedArchitecture(t *testing.T) {
	b := newCOFF()
	b.machine = pe.IMAGE_FILE_MACHINE_ARM64
	b.text([]byte{0xc0, 0x03, 0x5f, 0xd6})

	_, err := Read("arm.obj", b.bytes())
	var archErr *object.UnsupportedArchitectureError
	if !errors.As(err, &archErr) {
		t.Fatalf("Expected UnsupportedArchitectureError, got %v", err)
	}
}

func TestReadCOFFTruncated(t *testing.T) {
	raw := helloCOFF().bytes()
	// cut into the section table and into the symbol table
	for _, n := range []int{coffHeaderSize + 10, len(raw) - 30} {
		_, err := Read("cut.obj", raw[:n])
		var truncated *object.TruncatedError
		if !errors.As(err, &truncated) {
			t.Errorf("Length %d: expected TruncatedError, got %v", n, err)
		}
	}
}
