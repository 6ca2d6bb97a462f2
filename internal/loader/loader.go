// Package loader places an artifact in executable memory, binds its imports
// to platform functions and calls its entry point.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
	"github.com/xyproto/barf/internal/platform"
	"github.com/xyproto/barf/internal/vmem"
)

// StubSize is the size of one import jump stub: movabs rax, imm64; jmp rax
const StubSize = 12

// Memory hands out load regions
type Memory interface {
	Alloc(size uint64, low32 bool) (Region, error)
}

// Region is a read-write mapping whose pages can be re-protected
type Region interface {
	Addr() uintptr
	Bytes() []byte
	Protect(off, size uint64, prot vmem.Protection) error
	Free() error
}

// Executor transfers control to native code
type Executor interface {
	Call(fn uintptr, args ...uintptr) uintptr
}

// Options configures Load. Zero values select the host implementations.
type Options struct {
	Table    platform.Table
	Memory   Memory
	Executor Executor
	Arch     engine.Arch // defaults to the host architecture
}

// An Image is an artifact placed in memory and ready to run
type Image struct {
	artifact *object.Artifact
	region   Region
	shift    uint64 // offset of the image inside the region
	exec     Executor
	base     uintptr
	imports  map[string]uintptr // import name -> stub address, 0 for missing weak imports
}

type binding struct {
	sym    int
	target uintptr // platform function, 0 for a missing weak import
	stub   uint64  // offset of the stub in the region
}

// Load runs the load steps in order: check the architecture, resolve every
// import, allocate and fill the region, patch relocations, protect the
// sections. Nothing is executed.
func Load(a *object.Artifact, opts Options) (*Image, error) {
	if opts.Table == nil {
		opts.Table = platform.Map{}
	}
	if opts.Memory == nil {
		opts.Memory = HostMemory{}
	}
	if opts.Executor == nil {
		opts.Executor = HostExecutor{}
	}
	host := opts.Arch
	if host == engine.ArchUnknown {
		host = engine.HostArch()
	}
	if a.Arch != host || !host.Relocatable() {
		return nil, &object.UnsupportedArchitectureError{
			Machine: a.Arch.String(),
			Reason:  fmt.Sprintf("cannot execute on %s", host),
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	bindings, err := resolveImports(a, opts.Table)
	if err != nil {
		return nil, err
	}

	imageSize := a.ImageSize()
	stubBase := imageSize
	total := stubBase + uint64(len(bindings))*StubSize
	if total == 0 {
		return nil, fmt.Errorf("artifact has nothing to load")
	}

	// regions are page aligned, larger section alignments need slack
	align := a.BaseAlign()
	region, err := opts.Memory.Alloc(total+align-engine.PageSize, needsLow32(a))
	if err != nil {
		return nil, err
	}
	addr := uint64(region.Addr())
	img := &Image{
		artifact: a,
		region:   region,
		shift:    engine.AlignUp(addr, align) - addr,
		exec:     opts.Executor,
		imports:  make(map[string]uintptr, len(bindings)),
	}
	img.base = region.Addr() + uintptr(img.shift)
	if img.shift+total > uint64(len(region.Bytes())) {
		region.Free()
		return nil, fmt.Errorf("region of 0x%x bytes cannot hold an image of 0x%x bytes", len(region.Bytes()), total)
	}
	logger.LogRegion(img.base, total, needsLow32(a))

	if err := img.place(bindings, stubBase); err != nil {
		region.Free()
		return nil, err
	}
	if err := img.patch(); err != nil {
		region.Free()
		return nil, err
	}
	if err := img.protect(stubBase, uint64(len(bindings))*StubSize); err != nil {
		region.Free()
		return nil, err
	}
	return img, nil
}

// resolveImports binds every undefined symbol before any memory is touched
func resolveImports(a *object.Artifact, table platform.Table) ([]binding, error) {
	var bindings []binding
	for i, sym := range a.Symbols {
		if sym.Defined() {
			continue
		}
		addr, ok := table.Resolve(sym.Name)
		if !ok || addr == 0 {
			if sym.Binding == object.BindWeak {
				bindings = append(bindings, binding{sym: i})
				continue
			}
			return nil, &object.UnresolvedImportError{
				Name:        sym.Name,
				Suggestions: engine.FindSimilar(sym.Name, table.Names(), 3),
			}
		}
		bindings = append(bindings, binding{sym: i, target: addr})
	}
	return bindings, nil
}

func needsLow32(a *object.Artifact) bool {
	for _, sec := range a.Sections {
		for _, r := range sec.Relocs {
			if r.Kind == object.RelocAbs32 || r.Kind == object.RelocAbs32S {
				return true
			}
		}
	}
	return false
}

// place copies section bytes and writes one jump stub per bound import
func (img *Image) place(bindings []binding, stubBase uint64) error {
	mem := img.memory()
	for _, sec := range img.artifact.Sections {
		if sec.Addr > uint64(len(mem)) || uint64(len(mem))-sec.Addr < sec.Size {
			return fmt.Errorf("section %s at 0x%x does not fit the region", sec.Name, sec.Addr)
		}
		if !sec.ZeroFill() {
			copy(mem[sec.Addr:], sec.Data)
		}
	}
	for i, b := range bindings {
		name := img.artifact.Symbols[b.sym].Name
		if b.target == 0 {
			img.imports[name] = 0
			continue
		}
		off := stubBase + uint64(i)*StubSize
		writeStub(mem[off:off+StubSize], b.target)
		img.imports[name] = img.base + uintptr(off)
		logger.LogImportBound(name, img.base+uintptr(off), b.target)
	}
	return nil
}

// memory returns the region bytes starting at the image base
func (img *Image) memory() []byte {
	return img.region.Bytes()[img.shift:]
}

func writeStub(b []byte, target uintptr) {
	b[0], b[1] = 0x48, 0xb8 // movabs rax, imm64
	binary.LittleEndian.PutUint64(b[2:], uint64(target))
	b[10], b[11] = 0xff, 0xe0 // jmp rax
}

// patch re-applies the relocations whose value depends on the load address
// and those targeting imports.
func (img *Image) patch() error {
	a := img.artifact
	mem := img.memory()
	base := uint64(img.base)
	for _, sec := range a.Sections {
		data := mem[sec.Addr : sec.Addr+sec.Size]
		for _, r := range sec.Relocs {
			sym := &a.Symbols[r.Symbol]
			var target uint64
			if sym.Defined() {
				if !r.Kind.AddressDependent() {
					continue
				}
				off, _ := a.Address(r.Symbol)
				target = base + off
			} else {
				target = uint64(img.imports[sym.Name])
			}
			if err := object.Apply(data, r, target, base+sec.Addr+r.Offset, base); err != nil {
				var overflow *object.RelocationOverflowError
				if errors.As(err, &overflow) {
					overflow.Section = sec.Name
					overflow.Symbol = sym.Name
				}
				return err
			}
		}
	}
	return nil
}

func sectionProtection(k object.SectionKind) vmem.Protection {
	switch k {
	case object.KindCode:
		return vmem.ProtReadExec
	case object.KindROData:
		return vmem.ProtRead
	default:
		return vmem.ProtReadWrite
	}
}

func (img *Image) protect(stubBase, stubSize uint64) error {
	for _, sec := range img.artifact.Sections {
		if sec.Size == 0 {
			continue
		}
		prot := sectionProtection(sec.Kind)
		if prot == vmem.ProtReadWrite {
			continue
		}
		if err := img.region.Protect(img.shift+sec.Addr, sec.Size, prot); err != nil {
			return err
		}
	}
	if stubSize > 0 {
		return img.region.Protect(img.shift+stubBase, stubSize, vmem.ProtReadExec)
	}
	return nil
}

// Base returns the load address
func (img *Image) Base() uintptr {
	return img.base
}

// Symbol returns the loaded address of a defined global
func (img *Image) Symbol(name string) (uintptr, bool) {
	sym, ok := img.artifact.Lookup(name)
	if !ok {
		return 0, false
	}
	return img.base + uintptr(img.artifact.Sections[sym.Section].Addr+sym.Offset), true
}

// Import returns the stub address an import was bound to
func (img *Image) Import(name string) (uintptr, bool) {
	addr, ok := img.imports[name]
	return addr, ok
}

// Run calls the entry point as int entry(const char *path, const char *data,
// int size), where data is args joined by spaces, and returns its result.
func (img *Image) Run(path string, args []string) (int, error) {
	if img.region == nil {
		return 0, fmt.Errorf("image is closed")
	}
	entry := img.artifact.Entry
	if entry == "" {
		return 0, &object.MissingEntryPointError{Name: object.DefaultEntry}
	}
	fn, ok := img.Symbol(entry)
	if !ok {
		return 0, &object.MissingEntryPointError{Name: entry}
	}
	joined := strings.Join(args, " ")
	if len(joined) > math.MaxInt32 {
		return 0, fmt.Errorf("argument data of %d bytes is too large", len(joined))
	}
	cpath := platform.CString(path)
	cdata := platform.CString(joined)

	logger.LogEntry(entry, fn, args)
	ret := img.exec.Call(fn, platform.Address(cpath), platform.Address(cdata), uintptr(len(joined)))
	runtime.KeepAlive(cpath)
	runtime.KeepAlive(cdata)

	status := int(int32(ret))
	logger.LogExit(status)
	return status, nil
}

// Close releases the region. The image cannot run afterwards.
func (img *Image) Close() error {
	if img.region == nil {
		return nil
	}
	err := img.region.Free()
	img.region = nil
	return err
}

// Run loads a, calls its entry point and releases it again
func Run(a *object.Artifact, opts Options, path string, args []string) (int, error) {
	img, err := Load(a, opts)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	return img.Run(path, args)
}
