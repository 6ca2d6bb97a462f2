// Completion: 100% - CLI entry point complete, all flags working
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/barf/internal/config"
	"github.com/xyproto/barf/internal/inspect"
	"github.com/xyproto/barf/internal/logger"
)

// Links ELF and COFF relocatable objects into BARF containers and runs them
// in memory

const versionString = "barf 0.3.0"

func main() {
	cfg := config.Load()

	// NOTE: flag stops at the first non-flag argument, so the compatibility
	// flags must come before the file names: barf -c -o out.ba a.o b.o
	var version = flag.Bool("version", false, "print version information and exit")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var versionCompat = flag.Bool("v", false, "print version information and exit")
	var verbose = flag.Bool("verbose", cfg.Verbose, "verbose mode (debug logging to stderr)")
	var combine = flag.Bool("c", false, "combine inputs into a container (same as build)")
	var combineLong = flag.Bool("combine", false, "combine inputs into a container (same as build)")
	var dumpFlag = flag.Bool("d", false, "dump the given files (same as dump)")
	var outputFlag = flag.String("o", "", "output container filename")
	var entryFlag = flag.String("entry", "", "entry point symbol")
	var noEntry = flag.Bool("no-entry", false, "build a library without an entry point")
	var disasm = flag.Bool("x", false, "disassemble code sections when dumping")
	var hex = flag.Bool("hex", false, "hexdump section contents when dumping")
	flag.Parse()

	if *version || *versionShort || *versionCompat {
		fmt.Println(versionString)
		os.Exit(0)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.ParseLevel(cfg.LogLevel)
	if *verbose {
		logCfg.Level = logger.LevelDebug
	}
	logCfg.Format = cfg.LogFormat
	logCfg.LogFile = cfg.LogFile
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := NewCommandContext(cfg)
	ctx.OutputPath = *outputFlag
	ctx.NoEntry = *noEntry
	if *entryFlag != "" {
		ctx.Entry = *entryFlag
	}

	var err error
	args := flag.Args()
	switch {
	case *combine || *combineLong:
		if len(args) == 0 {
			err = usageError("usage: barf -c -o out.ba inputs...")
		} else {
			err = build(ctx, args)
		}
	case *dumpFlag:
		err = dump(ctx, args, inspect.Options{Disasm: *disasm, Hex: *hex, Syntax: cfg.Disasm})
	default:
		err = RunCLI(ctx, args)
	}
	logger.Close()

	if err != nil {
		fmt.Fprint(os.Stderr, printError(err, !cfg.NoColor))
		os.Exit(1)
	}
	os.Exit(ctx.ExitCode)
}
