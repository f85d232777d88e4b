package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"ropweave/internal/autopsy"
	"ropweave/internal/mathx"
)

func cmdGadgets(args []string) error {
	fs := flag.NewFlagSet("gadgets", flag.ExitOnError)
	lib := fs.String("lib", "", "gadget library (default: system libc)")
	segment := fs.Bool("segment", true, "scan executable segments instead of sections")
	limit := fs.Int("limit", 0, "max gadgets to list (0 = all)")

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

	var gadgets []*autopsy.Gadget
	oracle.Gadgets(func(g *autopsy.Gadget) {
		gadgets = append(gadgets, g)
	})
	sort.Slice(gadgets, func(i, j int) bool {
		if len(gadgets[i].Addresses) != len(gadgets[j].Addresses) {
			return len(gadgets[i].Addresses) > len(gadgets[j].Addresses)
		}
		return gadgets[i].Text < gadgets[j].Text
	})

	fmt.Fprintf(os.Stderr, "%s: %d unique gadgets, %d anchor symbols\n",
		oracle.Path, oracle.NumGadgets(), oracle.NumSymbols())

	for i, g := range gadgets {
		if *limit > 0 && i >= *limit {
			break
		}
		fmt.Printf("0x%08x\t%4d\t%s\n", g.Addresses[0], len(g.Addresses), g.Text)
	}
	return nil
}
