package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice/render"

	"ropweave/internal/autopsy"
	"ropweave/internal/config"
	"ropweave/internal/mathx"
	"ropweave/internal/mir"
	"ropweave/internal/ropviz"
	"ropweave/internal/weaver"
)

func cmdObfuscate(args []string) error {
	fs := flag.NewFlagSet("obfuscate", flag.ExitOnError)
	in := fs.String("in", "", "machine IR listing")
	out := fs.String("out", "", "output assembly file (default stdout)")
	cfgPath := fs.String("config", "", "TOML configuration")
	lib := fs.String("lib", "", "gadget library (default: system libc)")
	seed := fs.Int64("seed", 0, "deterministic RNG seed (0 = host derived)")
	graphOut := fs.String("graph", "", "write the transformed CFG as DOT to this file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			return err
		}
	}
	if *lib != "" {
		cfg.Global.CustomLibraryPath = *lib
	}

	rng := mathx.NewHostSeeded()
	if *seed != 0 {
		rng = mathx.New(*seed)
	}

	libPath := cfg.Global.CustomLibraryPath
	if libPath == "" {
		var err error
		libPath, err = autopsy.FindLibc()
		if err != nil {
			return err
		}
	}

	oracle, err := autopsy.Open(libPath, autopsy.Options{
		SearchSegment:     cfg.Global.SearchSegmentForGadget,
		AvoidMultiversion: cfg.Global.AvoidMultiversionSymbol,
	}, rng)
	if err != nil {
		return fmt.Errorf("open %s: %w", libPath, err)
	}
	fmt.Fprintf(os.Stderr, "%s: %d gadgets, %d anchor symbols\n",
		oracle.Path, oracle.NumGadgets(), oracle.NumSymbols())

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	funcs, err := mir.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse %s: %w", *in, err)
	}

	wv := weaver.New(cfg, oracle, rng)
	var total weaver.Report
	for _, fn := range funcs {
		rep, err := wv.ObfuscateFunction(fn)
		if err != nil {
			return fmt.Errorf("%s: %w", fn.Name, err)
		}
		pct := 0.0
		if rep.Processed > 0 {
			pct = 100 * float64(rep.Obfuscated) / float64(rep.Processed)
		}
		fmt.Fprintf(os.Stderr, "%s: %d/%d instructions rewritten (%.1f%%), %d chains\n",
			fn.Name, rep.Obfuscated, rep.Processed, pct, rep.Chains)
		total.Processed += rep.Processed
		total.Obfuscated += rep.Obfuscated
		total.Chains += rep.Chains
	}

	w := os.Stdout
	if *out != "" {
		w, err = os.Create(*out)
		if err != nil {
			return err
		}
		defer w.Close()
	}
	if err := mir.WriteModule(w, funcs); err != nil {
		return err
	}

	if *graphOut != "" {
		dot := render.DOTCFG(ropviz.BuildCFG(funcs), filepath.Base(*in))
		if err := os.WriteFile(*graphOut, []byte(dot), 0o644); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "%d functions, %d/%d instructions rewritten, %d chains\n",
		len(funcs), total.Obfuscated, total.Processed, total.Chains)
	if cfg.Global.PrintInstrStat {
		if err := wv.Stats().WriteTable(os.Stderr); err != nil {
			return err
		}
	}
	return nil
}
