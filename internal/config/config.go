// Package config loads the obfuscation configuration file. The file is
// TOML with a [general] section for module-wide switches and
// [functions.default] / [functions.<name>] sections for per-function
// parameters; function sections inherit from default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrConfig = errors.New("config: invalid configuration")

// OpaqueAlgo selects the opaque constant encoding.
type OpaqueAlgo uint8

const (
	// AlgoMov loads the constant with a single mov.
	AlgoMov OpaqueAlgo = iota
	// AlgoMultcomp hides the constant behind a multiply by an odd
	// factor, wrapping modulo 2^32.
	AlgoMultcomp
)

func (a OpaqueAlgo) String() string {
	switch a {
	case AlgoMov:
		return "mov"
	case AlgoMultcomp:
		return "multcomp"
	}
	return fmt.Sprintf("opaquealgo(%d)", uint8(a))
}

func parseOpaqueAlgo(s string) (OpaqueAlgo, error) {
	switch strings.ToLower(s) {
	case "mov":
		return AlgoMov, nil
	case "multcomp":
		return AlgoMultcomp, nil
	}
	return 0, fmt.Errorf("%w: unknown opaque predicates algorithm %q", ErrConfig, s)
}

// BranchAlgo selects the entropy source of branch divergence.
type BranchAlgo uint8

const (
	// BranchAddReg mixes a register value into the divergence input.
	BranchAddReg BranchAlgo = iota
	// BranchRdtsc uses the timestamp counter.
	BranchRdtsc
	// BranchNegativeStack reads below the stack pointer.
	BranchNegativeStack
)

func (a BranchAlgo) String() string {
	switch a {
	case BranchAddReg:
		return "addreg"
	case BranchRdtsc:
		return "rdtsc"
	case BranchNegativeStack:
		return "negative_stack"
	}
	return fmt.Sprintf("branchalgo(%d)", uint8(a))
}

func parseBranchAlgo(s string) (BranchAlgo, error) {
	switch strings.ToLower(s) {
	case "addreg":
		return BranchAddReg, nil
	case "rdtsc":
		return BranchRdtsc, nil
	case "negative_stack":
		return BranchNegativeStack, nil
	}
	return 0, fmt.Errorf("%w: unknown branch divergence algorithm %q", ErrConfig, s)
}

// Parameter is the per-function obfuscation configuration.
type Parameter struct {
	ObfuscationEnabled        bool
	OpaquePredicateEnabled    bool
	ObfuscateImmediateOperand bool
	ObfuscateBranchTarget     bool
	BranchDivergenceEnabled   bool
	BranchDivergenceMax       int
	OpaqueAlgo                OpaqueAlgo
	BranchAlgo                BranchAlgo
}

// DefaultParameter returns the parameter set used when no configuration
// overrides it.
func DefaultParameter() Parameter {
	return Parameter{
		ObfuscationEnabled:        true,
		OpaquePredicateEnabled:    false,
		ObfuscateImmediateOperand: true,
		ObfuscateBranchTarget:     true,
		BranchDivergenceEnabled:   false,
		BranchDivergenceMax:       32,
		OpaqueAlgo:                AlgoMov,
		BranchAlgo:                BranchAddReg,
	}
}

// Global is the module-wide configuration.
type Global struct {
	ObfuscationEnabled      bool
	SearchSegmentForGadget  bool
	AvoidMultiversionSymbol bool
	CustomLibraryPath       string
	UseChainLabel           bool
	PrintInstrStat          bool
}

// Config is the fully resolved configuration.
type Config struct {
	Global    Global
	Default   Parameter
	Functions map[string]Parameter
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Global: Global{
			ObfuscationEnabled:     true,
			SearchSegmentForGadget: true,
		},
		Default: DefaultParameter(),
	}
}

// ParameterFor returns the parameter set for the named function,
// falling back to the default section.
func (c *Config) ParameterFor(fn string) Parameter {
	if p, ok := c.Functions[fn]; ok {
		return p
	}
	return c.Default
}

// raw mirrors the TOML shape. Pointer fields distinguish unset keys
// from explicit zero values.
type raw struct {
	General struct {
		ObfuscationEnabled      *bool   `toml:"obfuscation_enabled"`
		SearchSegmentForGadget  *bool   `toml:"search_segment_for_gadget"`
		AvoidMultiversionSymbol *bool   `toml:"avoid_multiversion_symbol"`
		CustomLibraryPath       *string `toml:"custom_library_path"`
		UseChainLabel           *bool   `toml:"use_chain_label"`
		PrintInstrStat          *bool   `toml:"print_instr_stat"`
	} `toml:"general"`
	Functions map[string]rawParam `toml:"functions"`
}

type rawParam struct {
	ObfuscationEnabled        *bool   `toml:"obfuscation_enabled"`
	OpaquePredicatesEnabled   *bool   `toml:"opaque_predicates_enabled"`
	OpaquePredicatesAlgorithm *string `toml:"opaque_predicates_algorithm"`
	ObfuscateImmediateOperand *bool   `toml:"obfuscate_immediate_operand"`
	ObfuscateBranchTarget     *bool   `toml:"obfuscate_branch_target"`
	BranchDivergenceEnabled   *bool   `toml:"branch_divergence_enabled"`
	BranchDivergenceMax       *int64  `toml:"branch_divergence_max_branches"`
	BranchDivergenceAlgorithm *string `toml:"branch_divergence_algorithm"`
}

// Load reads and resolves the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse resolves a configuration from TOML text.
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	c := Default()
	g := r.General
	if g.ObfuscationEnabled != nil {
		c.Global.ObfuscationEnabled = *g.ObfuscationEnabled
	}
	if g.SearchSegmentForGadget != nil {
		c.Global.SearchSegmentForGadget = *g.SearchSegmentForGadget
	}
	if g.AvoidMultiversionSymbol != nil {
		c.Global.AvoidMultiversionSymbol = *g.AvoidMultiversionSymbol
	}
	if g.CustomLibraryPath != nil {
		c.Global.CustomLibraryPath = *g.CustomLibraryPath
	}
	if g.UseChainLabel != nil {
		c.Global.UseChainLabel = *g.UseChainLabel
	}
	if g.PrintInstrStat != nil {
		c.Global.PrintInstrStat = *g.PrintInstrStat
	}

	if rp, ok := r.Functions["default"]; ok {
		p, err := applyParam(c.Default, rp)
		if err != nil {
			return nil, err
		}
		c.Default = p
	}
	for name, rp := range r.Functions {
		if name == "default" {
			continue
		}
		p, err := applyParam(c.Default, rp)
		if err != nil {
			return nil, err
		}
		if c.Functions == nil {
			c.Functions = make(map[string]Parameter)
		}
		c.Functions[name] = p
	}
	return c, nil
}

func applyParam(base Parameter, rp rawParam) (Parameter, error) {
	p := base
	if rp.ObfuscationEnabled != nil {
		p.ObfuscationEnabled = *rp.ObfuscationEnabled
	}
	if rp.OpaquePredicatesEnabled != nil {
		p.OpaquePredicateEnabled = *rp.OpaquePredicatesEnabled
	}
	if rp.OpaquePredicatesAlgorithm != nil {
		algo, err := parseOpaqueAlgo(*rp.OpaquePredicatesAlgorithm)
		if err != nil {
			return Parameter{}, err
		}
		p.OpaqueAlgo = algo
	}
	if rp.ObfuscateImmediateOperand != nil {
		p.ObfuscateImmediateOperand = *rp.ObfuscateImmediateOperand
	}
	if rp.ObfuscateBranchTarget != nil {
		p.ObfuscateBranchTarget = *rp.ObfuscateBranchTarget
	}
	if rp.BranchDivergenceEnabled != nil {
		p.BranchDivergenceEnabled = *rp.BranchDivergenceEnabled
	}
	if rp.BranchDivergenceMax != nil {
		if *rp.BranchDivergenceMax < 1 {
			return Parameter{}, fmt.Errorf("%w: branch_divergence_max_branches must be positive", ErrConfig)
		}
		p.BranchDivergenceMax = int(*rp.BranchDivergenceMax)
	}
	if rp.BranchDivergenceAlgorithm != nil {
		algo, err := parseBranchAlgo(*rp.BranchDivergenceAlgorithm)
		if err != nil {
			return Parameter{}, err
		}
		p.BranchAlgo = algo
	}
	return p, nil
}
