// Completion: 100% - Subcommands complete
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/xyproto/barf/internal/config"
	"github.com/xyproto/barf/internal/container"
	"github.com/xyproto/barf/internal/engine"
	"github.com/xyproto/barf/internal/inspect"
	"github.com/xyproto/barf/internal/linker"
	"github.com/xyproto/barf/internal/loader"
	"github.com/xyproto/barf/internal/logger"
	"github.com/xyproto/barf/internal/object"
	"github.com/xyproto/barf/internal/platform"
	"github.com/xyproto/barf/internal/watch"
)

// cli.go - subcommand interface for barf
//
// - barf build -o out.ba inputs...      (link to a container)
// - barf run inputs... [-- args...]     (link, load and call the entry)
// - barf dump [-x] [-hex] files...      (inspect objects and containers)
// - barf watch -o out.ba inputs...      (rebuild on change)
// - barf file.ba [-- args...]           (shorthand for run)

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Config     config.Config
	Stdout     io.Writer
	Stderr     io.Writer
	Entry      string // "" selects the default entry point
	NoEntry    bool
	OutputPath string
	Loader     loader.Options // zero value loads into host memory
	ExitCode   int            // result of the entry point after run
}

// NewCommandContext returns a context writing to the standard streams
func NewCommandContext(cfg config.Config) *CommandContext {
	ctx := &CommandContext{Config: cfg, Stdout: os.Stdout, Stderr: os.Stderr}
	if cfg.Entry != object.DefaultEntry {
		ctx.Entry = cfg.Entry
	}
	return ctx
}

func (ctx *CommandContext) linkOptions() linker.Options {
	return linker.Options{Entry: ctx.Entry, NoEntry: ctx.NoEntry}
}

// RunCLI dispatches args to a subcommand
func RunCLI(ctx *CommandContext, args []string) error {
	if len(args) == 0 {
		return cmdHelp(ctx)
	}

	subcmd := args[0]
	switch subcmd {
	case "build":
		return cmdBuild(ctx, args[1:])
	case "run":
		return cmdRun(ctx, args[1:])
	case "dump":
		return cmdDump(ctx, args[1:])
	case "watch":
		return cmdWatch(ctx, args[1:])
	case "help", "--help", "-h":
		return cmdHelp(ctx)
	case "version", "--version":
		fmt.Fprintln(ctx.Stdout, versionString)
		return nil
	}

	// barf file.ba [-- args...]
	if _, err := os.Stat(subcmd); err == nil {
		return cmdRun(ctx, args)
	}
	d := usageError("unknown command or file: %s", subcmd)
	if similar := engine.FindSimilar(subcmd, subcommands, 1); len(similar) > 0 {
		d.Context.Suggestion = fmt.Sprintf("did you mean '%s'?", similar[0])
	}
	return d
}

// splitArgs separates command arguments from the arguments passed to the
// program after "--"
func splitArgs(args []string) (own, program []string) {
	if i := slices.Index(args, "--"); i >= 0 {
		return args[:i], args[i+1:]
	}
	return args, nil
}

// parseInterleaved parses flags that may appear between file names
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func newFlagSet(ctx *CommandContext, name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(ctx.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(ctx.Stderr, "usage: barf %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

func (ctx *CommandContext) linkFlags(fs *flag.FlagSet) {
	fs.StringVar(&ctx.Entry, "entry", ctx.Entry, "entry point symbol (default "+object.DefaultEntry+")")
	fs.BoolVar(&ctx.NoEntry, "no-entry", ctx.NoEntry, "build a library without an entry point")
}

// cmdBuild links inputs into a container
func cmdBuild(ctx *CommandContext, args []string) error {
	fs := newFlagSet(ctx, "build", "-o out.ba [-entry name] [-no-entry] inputs...")
	fs.StringVar(&ctx.OutputPath, "o", ctx.OutputPath, "output container")
	ctx.linkFlags(fs)
	inputs, err := parseInterleaved(fs, args)
	if err != nil {
		return usageError("%v", err)
	}
	if len(inputs) == 0 {
		return usageError("usage: barf build -o out.ba inputs...")
	}
	return build(ctx, inputs)
}

func build(ctx *CommandContext, inputs []string) error {
	out := ctx.OutputPath
	if out == "" {
		out = strings.TrimSuffix(filepath.Base(inputs[0]), filepath.Ext(inputs[0])) + ".ba"
	}
	if slices.Contains(inputs, out) {
		return usageError("output %s is also an input", out)
	}
	a, err := linkInputs(ctx, inputs)
	if err != nil {
		return err
	}
	if err := container.WriteFile(out, a); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "combined into %s\n", out)
	return nil
}

// cmdRun links inputs when needed, loads the result and calls its entry
func cmdRun(ctx *CommandContext, args []string) error {
	own, programArgs := splitArgs(args)
	fs := newFlagSet(ctx, "run", "[-entry name] inputs... [-- args...]")
	fs.StringVar(&ctx.Entry, "entry", ctx.Entry, "entry point symbol (default "+object.DefaultEntry+")")
	inputs, err := parseInterleaved(fs, own)
	if err != nil {
		return usageError("%v", err)
	}
	if len(inputs) == 0 {
		return usageError("usage: barf run inputs... [-- args...]")
	}

	a, err := artifactFor(ctx, inputs)
	if err != nil {
		return err
	}
	opts := ctx.Loader
	if opts.Table == nil {
		host := platform.Default()
		host.SetOutput(ctx.Stderr)
		opts.Table = host.Table()
	}
	status, err := loader.Run(a, opts, inputs[0], programArgs)
	if err != nil {
		return err
	}
	ctx.ExitCode = status
	return nil
}

// cmdDump prints headers, sections, symbols and relocations of each file
func cmdDump(ctx *CommandContext, args []string) error {
	fs := newFlagSet(ctx, "dump", "[-x] [-hex] [-syntax intel|gnu] files...")
	opts := inspect.Options{Syntax: ctx.Config.Disasm}
	fs.BoolVar(&opts.Disasm, "x", false, "disassemble code sections")
	fs.BoolVar(&opts.Hex, "hex", false, "hexdump section contents")
	fs.StringVar(&opts.Syntax, "syntax", opts.Syntax, "disassembly syntax (intel or gnu)")
	files, err := parseInterleaved(fs, args)
	if err != nil {
		return usageError("%v", err)
	}
	return dump(ctx, files, opts)
}

func dump(ctx *CommandContext, files []string, opts inspect.Options) error {
	if len(files) == 0 {
		return usageError("usage: barf dump [-x] [-hex] files...")
	}
	for i, path := range files {
		in, err := readInput(path)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(ctx.Stdout)
		}
		fmt.Fprintf(ctx.Stdout, "%s: %s\n", path, in.format)
		if in.artifact != nil {
			err = inspect.Artifact(ctx.Stdout, in.artifact, opts)
		} else {
			err = inspect.Object(ctx.Stdout, in.obj, opts)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// cmdWatch builds once and then rebuilds whenever an input changes
func cmdWatch(ctx *CommandContext, args []string) error {
	fs := newFlagSet(ctx, "watch", "-o out.ba [-entry name] [-no-entry] inputs...")
	fs.StringVar(&ctx.OutputPath, "o", ctx.OutputPath, "output container")
	ctx.linkFlags(fs)
	inputs, err := parseInterleaved(fs, args)
	if err != nil {
		return usageError("%v", err)
	}
	if len(inputs) == 0 {
		return usageError("usage: barf watch -o out.ba inputs...")
	}

	useColor := !ctx.Config.NoColor
	rebuild := func(changed string) {
		if changed != "" {
			logger.Info("input changed", "file", changed)
		}
		if err := build(ctx, inputs); err != nil {
			fmt.Fprint(ctx.Stderr, printError(err, useColor))
		}
	}
	rebuild("")

	w, err := watch.New(ctx.Config.WatchDebounce, rebuild)
	if err != nil {
		return err
	}
	defer w.Close()
	for _, path := range inputs {
		if err := w.Add(path); err != nil {
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintf(ctx.Stderr, "watching %d file(s), press Ctrl+C to stop\n", len(inputs))
	if err := w.Watch(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func cmdHelp(ctx *CommandContext) error {
	fmt.Fprintf(ctx.Stdout, `%s - link ELF and COFF objects into BARF containers and run them

Usage:
  barf build -o out.ba [-entry name] [-no-entry] inputs...
        Link ELF, COFF and BARF inputs into one container
  barf run [-entry name] inputs... [-- args...]
        Link the inputs, load the result and call its entry point
  barf dump [-x] [-hex] [-syntax intel|gnu] files...
        Show sections, symbols, relocations and imports
  barf watch -o out.ba inputs...
        Rebuild the container whenever an input changes
  barf file.ba [-- args...]
        Load and run a container
  barf version
        Print the version

Compatibility flags:
  barf -c -o out.ba inputs...   Combine inputs into a container
  barf -d file                  Dump a file
  barf -v                       Print the version

The entry point has the signature
  int ba_entry(const char *path, const char *data, int size)
where data holds the program arguments joined by spaces.

Environment:
  BARF_ENTRY, BARF_VERBOSE, BARF_LOG_LEVEL, BARF_LOG_FORMAT, BARF_LOG_FILE,
  BARF_DISASM, BARF_WATCH_DEBOUNCE_MS, NO_COLOR
`, versionString)
	return nil
}

var subcommands = []string{"build", "run", "dump", "watch", "help", "version"}
