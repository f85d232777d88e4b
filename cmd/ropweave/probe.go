package main

import (
	"flag"
	"fmt"
	"os"

	"ropweave/internal/autopsy"
	"ropweave/internal/mathx"
)

func cmdProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	lib := fs.String("lib", "", "gadget library (default: system libc)")
	segment := fs.Bool("segment", true, "scan executable segments instead of sections")

	if err := fs.Parse(args); err != nil {
		return err
	}

	libPath := *lib
	if libPath == "" {
		var err error
		libPath, err = autopsy.FindLibc()
		if err != nil {
			return err
		}
	}

	oracle, err := autopsy.Open(libPath, autopsy.Options{SearchSegment: *segment}, mathx.NewHostSeeded())
	if err != nil {
		return fmt.Errorf("open %s: %w", libPath, err)
	}

	fmt.Printf("%s\n", oracle.Path)
	fmt.Fprintf(os.Stderr, "%d unique gadgets, %d anchor symbols\n",
		oracle.NumGadgets(), oracle.NumSymbols())
	return nil
}
