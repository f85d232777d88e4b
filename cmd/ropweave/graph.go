package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice/render"

	"ropweave/internal/mir"
	"ropweave/internal/ropviz"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	in := fs.String("in", "", "machine IR listing")
	out := fs.String("out", "", "output DOT file (default stdout)")
	calls := fs.Bool("calls", false, "render the call graph instead of per-block CFGs")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	funcs, err := mir.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse %s: %w", *in, err)
	}

	title := filepath.Base(*in)
	var dot string
	if *calls {
		dot = render.DOT(ropviz.BuildCallGraph(funcs), title)
	} else {
		dot = render.DOTCFG(ropviz.BuildCFG(funcs), title)
	}

	if *out == "" {
		fmt.Print(dot)
		return nil
	}
	return os.WriteFile(*out, []byte(dot), 0o644)
}
