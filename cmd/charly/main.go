// Charly CLI - runs and inspects compiled Charly bundles
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/charly-lang/charly/config"
	"github.com/charly-lang/charly/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	disasm := flag.Bool("disasm", false, "Disassemble the bundle instead of running it")
	traceGC := flag.Bool("trace-gc", false, "Trace garbage collections")
	traceOpcodes := flag.Bool("trace-opcodes", false, "Trace every executed opcode")
	profile := flag.Bool("profile", false, "Collect an instruction profile")
	profileDB := flag.String("profile-db", "", "Persist the instruction profile into this sqlite database")
	verboseAddresses := flag.Bool("verbose-addresses", false, "Print bytecode addresses in diagnostics")
	verbosity := flag.Int("v", 0, "Log verbosity (0-2)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: charly [options] <bundle.cbun>\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Charly bundle.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  charly program.cbun            # Run a bundle\n")
		fmt.Fprintf(os.Stderr, "  charly -disasm program.cbun    # Print its instructions\n")
		fmt.Fprintf(os.Stderr, "  charly -profile -profile-db p.db program.cbun\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	commonlog.Configure(*verbosity, nil)
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		commonlog.SetMaxLevel(commonlog.Error)
	}

	block, err := vm.LoadBundle(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading bundle: %v\n", err)
		os.Exit(1)
	}

	if *disasm {
		fmt.Print(vm.Disassemble(block))
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving working directory: %v\n", err)
		os.Exit(1)
	}
	fileConfig, err := config.Load(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	cfg := fileConfig.VMConfig()
	cfg.Heap.Trace = cfg.Heap.Trace || *traceGC
	cfg.TraceOpcodes = cfg.TraceOpcodes || *traceOpcodes
	cfg.InstructionProfile = cfg.InstructionProfile || *profile
	cfg.VerboseAddresses = cfg.VerboseAddresses || *verboseAddresses

	machine := vm.NewVM(cfg)
	status, err := machine.RunSafe(block)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	if cfg.InstructionProfile {
		machine.Profile.Dump(os.Stderr)

		path := *profileDB
		if path == "" && fileConfig.Profile.Enabled {
			path = fileConfig.DatabasePath()
		}
		if path != "" {
			store, err := vm.OpenProfileStore(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening profile store: %v\n", err)
			} else {
				if err := store.Merge(machine.Profile); err != nil {
					fmt.Fprintf(os.Stderr, "Error persisting profile: %v\n", err)
				}
				store.Close()
			}
		}
	}

	os.Exit(status)
}
