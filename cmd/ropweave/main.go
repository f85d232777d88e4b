package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "obfuscate":
		err = cmdObfuscate(os.Args[2:])
	case "gadgets":
		err = cmdGadgets(os.Args[2:])
	case "probe":
		err = cmdProbe(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ropweave: ROP chain obfuscating assembler back end

Usage:
  ropweave obfuscate --in <file> [--out <file>]   Rewrite functions into ROP chains
  ropweave gadgets   [--lib <path>]               List gadgets found in the library
  ropweave probe     [--lib <path>]               Locate and inspect the gadget library
  ropweave graph     --in <file> [--out <file>]   Render the listing's CFG as DOT

Flags:
  --in <file>        Machine IR listing to transform
  --out <file>       Output file (default stdout)
  --config <file>    TOML configuration
  --graph <file>     Also write the transformed CFG as DOT
  --lib <path>       Gadget library (default: system libc)
  --seed <n>         Deterministic RNG seed (default: host derived)
  --segment          Scan executable segments instead of sections
  --calls            Render the call graph instead of per-block CFGs
  --limit <n>        Cap the number of listed gadgets (0 = all)
`)
}
