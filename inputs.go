package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/barf/internal/container"
	"github.com/xyproto/barf/internal/linker"
	"github.com/xyproto/barf/internal/native"
	"github.com/xyproto/barf/internal/object"
)

// input is one file given on the command line, either a native object or a
// previously built container
type input struct {
	path     string
	format   native.Format
	obj      *object.Object
	artifact *object.Artifact
}

// readInput reads path and parses it according to its detected format
func readInput(path string) (*input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	in := &input{path: path, format: native.Detect(data)}
	if in.format == native.FormatBARF {
		in.artifact, err = container.DecodeFile(path, data)
		if err != nil {
			return nil, err
		}
		in.obj = in.artifact.Object(path)
		return in, nil
	}
	in.obj, err = native.Read(path, data)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// readInputs reads every path and reports all failures together. A path
// given twice is read once and the repeat is reported as a warning on
// ctx.Stderr.
func readInputs(ctx *CommandContext, paths []string) ([]*input, error) {
	if len(paths) == 0 {
		return nil, usageError("no input files specified")
	}
	dc := NewDiagnosticCollector(0)
	inputs := make([]*input, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		clean := filepath.Clean(path)
		if seen[clean] {
			dc.AddWarning("input given more than once, ignoring the repeat", Location{File: path, Offset: -1})
			continue
		}
		seen[clean] = true
		in, err := readInput(path)
		if err != nil {
			dc.Add(err)
			if dc.ShouldStop() {
				break
			}
			continue
		}
		inputs = append(inputs, in)
	}
	if err := dc.Err(); err != nil {
		return nil, err
	}
	fmt.Fprint(ctx.Stderr, dc.Report(!ctx.Config.NoColor))
	return inputs, nil
}

// linkInputs builds one artifact out of the files at paths
func linkInputs(ctx *CommandContext, paths []string) (*object.Artifact, error) {
	inputs, err := readInputs(ctx, paths)
	if err != nil {
		return nil, err
	}
	objs := make([]*object.Object, len(inputs))
	for i, in := range inputs {
		objs[i] = in.obj
	}
	a, err := linker.Link(objs, ctx.linkOptions())
	if err != nil {
		return nil, fmt.Errorf("linking %d input(s): %w", len(objs), err)
	}
	return a, nil
}

// artifactFor returns what run should load: a single container is used as
// is unless the entry point is overridden, anything else is linked first.
func artifactFor(ctx *CommandContext, paths []string) (*object.Artifact, error) {
	if len(paths) == 1 && ctx.Entry == "" {
		in, err := readInput(paths[0])
		if err != nil {
			return nil, err
		}
		if in.artifact != nil && in.artifact.Entry != "" {
			return in.artifact, nil
		}
	}
	return linkInputs(ctx, paths)
}
