package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/object"
	"github.com/xyproto/barf/internal/platform"
	"github.com/xyproto/barf/internal/vmem"
)

const fakeBase = 0x7f0000000000

type protectCall struct {
	off, size uint64
	prot      vmem.Protection
}

type fakeRegion struct {
	addr     uintptr
	mem      []byte
	log      *[]string
	protects []protectCall
	freed    bool
}

func (r *fakeRegion) Addr() uintptr { return r.addr }
func (r *fakeRegion) Bytes() []byte { return r.mem }
func (r *fakeRegion) Free() error   { r.freed = true; *r.log = append(*r.log, "free"); return nil }
func (r *fakeRegion) Protect(off, size uint64, prot vmem.Protection) error {
	r.protects = append(r.protects, protectCall{off, size, prot})
	*r.log = append(*r.log, "protect "+prot.String())
	return nil
}

type fakeMemory struct {
	log    []string
	allocs int
	size   uint64
	low32  bool
	addr   uintptr // fakeBase when zero
	region *fakeRegion
}

func (m *fakeMemory) Alloc(size uint64, low32 bool) (Region, error) {
	m.allocs++
	m.size = size
	m.low32 = low32
	m.log = append(m.log, "alloc")
	addr := m.addr
	if addr == 0 {
		addr = fakeBase
	}
	m.region = &fakeRegion{addr: addr, mem: make([]byte, engine.AlignUp(size, engine.PageSize)), log: &m.log}
	return m.region, nil
}

type fakeExecutor struct {
	mem   *fakeMemory
	fn    uintptr
	path  string
	data  string
	size  uintptr
	ret   uintptr
	calls int
}

func (e *fakeExecutor) Call(fn uintptr, args ...uintptr) uintptr {
	e.calls++
	e.mem.log = append(e.mem.log, "call")
	e.fn = fn
	e.path = platform.GoString(args[0])
	e.data = platform.GoString(args[1])
	e.size = args[2]
	return e.ret
}

func helloArtifact() *object.Artifact {
	text := make([]byte, 32)
	binary.LittleEndian.PutUint32(text[20:], 0x11223344)
	return &object.Artifact{
		Arch: engine.ArchX86_64,
		Sections: []*object.Section{
			{Name: ".text", Kind: object.KindCode, Align: 16, Addr: 0, Size: 32, Data: text, Relocs: []object.Relocation{
				{Offset: 1, Symbol: 1, Kind: object.RelocRel32, Addend: -4},
				{Offset: 8, Symbol: 2, Kind: object.RelocAbs64},
				{Offset: 20, Symbol: 2, Kind: object.RelocRel32, Addend: -4},
			}},
			{Name: ".rodata", Kind: object.KindROData, Align: 1, Addr: 0x1000, Size: 3, Data: []byte("hi\x00")},
			{Name: ".data", Kind: object.KindData, Align: 8, Addr: 0x2000, Size: 16, Data: make([]byte, 16), Relocs: []object.Relocation{
				{Offset: 0, Symbol: 0, Kind: object.RelocAbs64, Addend: 2},
				{Offset: 8, Symbol: 3, Kind: object.RelocAbs64},
			}},
		},
		Symbols: []object.Symbol{
			{Name: "ba_entry", Kind: object.SymFunc, Binding: object.BindGlobal, Section: 0},
			{Name: "log__printf", Kind: object.SymImport, Binding: object.BindGlobal, Section: object.NoSection},
			{Name: "msg", Kind: object.SymData, Binding: object.BindLocal, Section: 1},
			{Name: "optional_hook", Kind: object.SymImport, Binding: object.BindWeak, Section: object.NoSection},
		},
		Imports: []string{"log__printf", "optional_hook"},
		Entry:   object.DefaultEntry,
	}
}

func testOptions(mem *fakeMemory, exec *fakeExecutor) Options {
	return Options{
		Table:    platform.Map{"log__printf": 0xdead0000, "fs__open": 0xdead1000},
		Memory:   mem,
		Executor: exec,
		Arch:     engine.ArchX86_64,
	}
}

func TestLoadPlacesAndPatches(t *testing.T) {
	mem := &fakeMemory{}
	exec := &fakeExecutor{mem: mem}
	img, err := Load(helloArtifact(), testOptions(mem, exec))
	if err != nil {
		t.Fatalf("Failed to load artifact: %v", err)
	}
	defer img.Close()

	m := mem.region.mem
	if len(m) != 0x4000 {
		t.Fatalf("Expected image and stubs in 0x4000 bytes, got 0x%x", len(m))
	}
	if img.Base() != fakeBase {
		t.Errorf("Expected base 0x%x, got 0x%x", fakeBase, img.Base())
	}
	if string(m[0x1000:0x1003]) != "hi\x00" {
		t.Errorf("Expected rodata to be copied, got %q", m[0x1000:0x1003])
	}

	stub := m[0x3000 : 0x3000+StubSize]
	want := []byte{0x48, 0xb8, 0, 0, 0xad, 0xde, 0, 0, 0, 0, 0xff, 0xe0}
	if string(stub) != string(want) {
		t.Errorf("Expected stub % x, got % x", want, stub)
	}
	if addr, ok := img.Import("log__printf"); !ok || addr != fakeBase+0x3000 {
		t.Errorf("Expected log__printf bound to the stub at 0x%x, got 0x%x", fakeBase+0x3000, addr)
	}
	if addr, ok := img.Import("optional_hook"); !ok || addr != 0 {
		t.Errorf("Expected a missing weak import to bind to 0, got 0x%x (%v)", addr, ok)
	}

	if got := int32(binary.LittleEndian.Uint32(m[1:])); got != 0x3000-4-1 {
		t.Errorf("Expected call displacement 0x%x to the stub, got 0x%x", 0x3000-4-1, got)
	}
	if got := binary.LittleEndian.Uint64(m[8:]); got != fakeBase+0x1000 {
		t.Errorf("Expected absolute address 0x%x, got 0x%x", fakeBase+0x1000, got)
	}
	if got := binary.LittleEndian.Uint32(m[20:]); got != 0x11223344 {
		t.Errorf("Position independent relocations must not be re-applied, got 0x%x", got)
	}
	if got := binary.LittleEndian.Uint64(m[0x2008:]); got != 0 {
		t.Errorf("Expected a missing weak import to read as 0, got 0x%x", got)
	}
	if got := binary.LittleEndian.Uint64(m[0x2000:]); got != fakeBase+2 {
		t.Errorf("Expected data pointer 0x%x, got 0x%x", fakeBase+2, got)
	}
	if addr, ok := img.Symbol("ba_entry"); !ok || addr != fakeBase {
		t.Errorf("Expected ba_entry at the base, got 0x%x", addr)
	}

	wantProtects := []protectCall{
		{0, 32, vmem.ProtReadExec},
		{0x1000, 3, vmem.ProtRead},
		{0x3000, 2 * StubSize, vmem.ProtReadExec},
	}
	if !reflect.DeepEqual(mem.region.protects, wantProtects) {
		t.Errorf("Expected protections %v, got %v", wantProtects, mem.region.protects)
	}
	if mem.low32 {
		t.Error("Only 32-bit absolute relocations need a low mapping")
	}
}

func TestLoadOrder(t *testing.T) {
	mem := &fakeMemory{}
	exec := &fakeExecutor{mem: mem, ret: 7}
	status, err := Run(helloArtifact(), testOptions(mem, exec), "hello.ba", []string{"one", "two"})
	if err != nil {
		t.Fatalf("Failed to run artifact: %v", err)
	}
	if status != 7 {
		t.Errorf("Expected status 7, got %d", status)
	}
	want := []string{"alloc", "protect r-x", "protect r--", "protect r-x", "call", "free"}
	if !reflect.DeepEqual(mem.log, want) {
		t.Errorf("Expected steps %v, got %v", want, mem.log)
	}
	if exec.fn != fakeBase || exec.path != "hello.ba" || exec.data != "one two" || exec.size != 7 {
		t.Errorf("Unexpected entry call: fn 0x%x path %q data %q size %d", exec.fn, exec.path, exec.data, exec.size)
	}
}

func TestRunNegativeStatus(t *testing.T) {
	mem := &fakeMemory{}
	exec := &fakeExecutor{mem: mem, ret: 0xffffffff}
	status, err := Run(helloArtifact(), testOptions(mem, exec), "x", nil)
	if err != nil {
		t.Fatalf("Failed to run artifact: %v", err)
	}
	if status != -1 {
		t.Errorf("Expected the 32-bit result -1, got %d", status)
	}
	if exec.data != "" || exec.size != 0 {
		t.Errorf("Expected empty argument data, got %q (%d)", exec.data, exec.size)
	}
}

func TestLoadUnresolvedImport(t *testing.T) {
	a := helloArtifact()
	a.Symbols[1].Name = "log_printf"
	a.Imports[0] = "log_printf"
	mem := &fakeMemory{}
	exec := &fakeExecutor{mem: mem}

	_, err := Load(a, testOptions(mem, exec))
	var unresolved *object.UnresolvedImportError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Expected UnresolvedImportError, got %v", err)
	}
	if unresolved.Name != "log_printf" || len(unresolved.Suggestions) == 0 || unresolved.Suggestions[0] != "log__printf" {
		t.Errorf("Expected a suggestion of log__printf, got %+v", unresolved)
	}
	if mem.allocs != 0 || exec.calls != 0 {
		t.Error("Imports must be resolved before memory is allocated")
	}
}

func TestLoadArchitectureMismatch(t *testing.T) {
	mem := &fakeMemory{}
	opts := testOptions(mem, &fakeExecutor{mem: mem})
	opts.Arch = engine.ArchARM64

	_, err := Load(helloArtifact(), opts)
	var archErr *object.UnsupportedArchitectureError
	if !errors.As(err, &archErr) {
		t.Fatalf("Expected UnsupportedArchitectureError, got %v", err)
	}
	if mem.allocs != 0 {
		t.Error("Nothing must be allocated for a foreign artifact")
	}
}

func TestLoadOverflowFreesRegion(t *testing.T) {
	a := helloArtifact()
	a.Sections[0].Relocs[1].Kind = object.RelocAbs32
	mem := &fakeMemory{}

	_, err := Load(a, testOptions(mem, &fakeExecutor{mem: mem}))
	var overflow *object.RelocationOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("Expected RelocationOverflowError above 4 GiB, got %v", err)
	}
	if overflow.Symbol != "msg" || overflow.Section != ".text" {
		t.Errorf("Unexpected error context: %+v", overflow)
	}
	if !mem.low32 {
		t.Error("Expected a low mapping to be requested for 32-bit absolute relocations")
	}
	if !mem.region.freed {
		t.Error("The region must be released when loading fails")
	}
}

func TestRunWithoutEntry(t *testing.T) {
	a := helloArtifact()
	a.Entry = ""
	mem := &fakeMemory{}
	exec := &fakeExecutor{mem: mem}
	img, err := Load(a, testOptions(mem, exec))
	if err != nil {
		t.Fatalf("Failed to load library artifact: %v", err)
	}
	var missing *object.MissingEntryPointError
	if _, err := img.Run("lib.ba", nil); !errors.As(err, &missing) {
		t.Errorf("Expected MissingEntryPointError, got %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Failed to close image: %v", err)
	}
	if _, err := img.Run("lib.ba", nil); err == nil {
		t.Error("Expected an error running a closed image")
	}
	if exec.calls != 0 {
		t.Errorf("Expected no calls, got %d", exec.calls)
	}
}

func ExampleLoad() {
	mem := &fakeMemory{}
	img, err := Load(helloArtifact(), testOptions(mem, &fakeExecutor{mem: mem}))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer img.Close()
	stub, _ := img.Import("log__printf")
	fmt.Printf("stub at base+0x%x\n", stub-img.Base())
	// Output: stub at base+0x3000
}

func TestLoadRejectsBadPlacement(t *testing.T) {
	broken := map[string]func(a *object.Artifact){
		"wrapped address": func(a *object.Artifact) { a.Sections[1].Addr = ^uint64(0) - 3 },
		"unaligned":       func(a *object.Artifact) { a.Sections[1].Addr = 0x1004 },
		"overlap":         func(a *object.Artifact) { a.Sections[1].Addr = 0 },
		"relocation wraps": func(a *object.Artifact) {
			a.Sections[0].Relocs[0].Offset = ^uint64(0) - 1
		},
	}
	for name, breakIt := range broken {
		a := helloArtifact()
		breakIt(a)
		mem := &fakeMemory{}
		_, err := Load(a, testOptions(mem, &fakeExecutor{mem: mem}))
		var formatErr *object.FormatError
		if !errors.As(err, &formatErr) {
			t.Errorf("%s: expected FormatError, got %v", name, err)
		}
		if mem.allocs != 0 {
			t.Errorf("%s: nothing must be allocated for a malformed artifact", name)
		}
	}
}

func TestLoadAlignsBase(t *testing.T) {
	a := helloArtifact()
	a.Sections[2].Align = 0x4000
	a.Sections[2].Addr = 0x4000
	mem := &fakeMemory{addr: fakeBase + 0x1000}
	img, err := Load(a, testOptions(mem, &fakeExecutor{mem: mem}))
	if err != nil {
		t.Fatalf("Failed to load artifact: %v", err)
	}
	defer img.Close()

	// image 0x5000, two stubs, 0x3000 of slack
	if want := uint64(0x5000 + 2*StubSize + 0x3000); mem.size != want {
		t.Errorf("Expected 0x%x bytes requested, got 0x%x", want, mem.size)
	}
	if img.Base() != fakeBase+0x4000 {
		t.Errorf("Expected base 0x%x, got 0x%x", fakeBase+0x4000, img.Base())
	}
	if addr, _ := img.Import("log__printf"); addr != img.Base()+0x5000 {
		t.Errorf("Expected the stub after the image, got 0x%x", addr)
	}
	m := mem.region.mem
	if string(m[0x3000+0x1000:0x3000+0x1003]) != "hi\x00" {
		t.Errorf("Expected rodata at the shifted base, got %q", m[0x4000:0x4003])
	}
	if got := binary.LittleEndian.Uint64(m[0x3000+0x4000:]); got != uint64(img.Base())+2 {
		t.Errorf("Expected data pointer 0x%x, got 0x%x", uint64(img.Base())+2, got)
	}
	for _, p := range mem.region.protects {
		if p.off < 0x3000 {
			t.Errorf("Expected protections inside the shifted image, got offset 0x%x", p.off)
		}
	}
}
