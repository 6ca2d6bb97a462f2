// Package linker merges objects into a single artifact: it concatenates
// sections by kind, resolves symbols across inputs, synthesizes GOT slots,
// places the result at base 0 and applies every relocation it can.
package linker

import (
	"errors"
	"fmt"

	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
)

// ImageBaseSymbol is defined at image offset 0 when an input refers to it
const ImageBaseSymbol = "__ImageBase"

// Options controls a link
type Options struct {
	Entry   string // defaults to object.DefaultEntry
	NoEntry bool   // build a library artifact without an entry point
}

// ErrNoInputs is returned when Link is called without objects
var ErrNoInputs = errors.New("no input objects")

// Link merges inputs into an artifact. Inputs are not modified. The result
// depends only on the inputs and their order.
func Link(inputs []*object.Object, opts Options) (*object.Artifact, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	arch, err := checkArch(inputs)
	if err != nil {
		return nil, err
	}
	for _, obj := range inputs {
		if err := obj.Validate(); err != nil {
			return nil, err
		}
	}
	logger.LogLinkStart(len(inputs))

	l := newLink(inputs)
	l.concatenate()
	if err := l.resolve(); err != nil {
		return nil, err
	}
	l.collectRelocations()
	l.synthesizeGOT()
	l.defineImageBase()

	a := l.finish(arch)
	layout(a)
	if err := relocate(a); err != nil {
		return nil, err
	}

	if !opts.NoEntry {
		a.Entry = opts.Entry
		if a.Entry == "" {
			a.Entry = object.DefaultEntry
		}
		if _, ok := a.Lookup(a.Entry); !ok {
			return nil, &object.MissingEntryPointError{Name: a.Entry}
		}
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("linker produced an invalid artifact: %w", err)
	}
	for _, sec := range a.Sections {
		logger.LogMergedSection(sec.Name, sec.Addr, sec.Size, l.counts[sec.Kind])
	}
	logger.LogLinkComplete(len(a.Sections), len(a.Symbols), len(a.Imports), a.RelocCount())
	return a, nil
}

func checkArch(inputs []*object.Object) (engine.Arch, error) {
	arch := inputs[0].Arch
	for _, obj := range inputs {
		if obj.Arch != arch {
			return engine.ArchUnknown, &object.UnsupportedArchitectureError{
				File:    obj.Name,
				Machine: obj.Arch.String(),
				Reason:  fmt.Sprintf("cannot be linked with %s objects", arch),
			}
		}
	}
	if !arch.Relocatable() {
		return engine.ArchUnknown, &object.UnsupportedArchitectureError{File: inputs[0].Name, Machine: arch.String()}
	}
	return arch, nil
}
