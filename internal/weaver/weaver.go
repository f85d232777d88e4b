// Package weaver rewrites machine functions so that selected
// instructions execute as ROP chains through library gadgets. It drives
// the per-function obfuscation: liveness, ropification, chain merging,
// and emission of the replacement code into the instruction stream.
package weaver

import (
	"errors"
	"fmt"
	"strings"

	"ropweave/internal/asm"
	"ropweave/internal/autopsy"
	"ropweave/internal/config"
	"ropweave/internal/engine"
	"ropweave/internal/liveness"
	"ropweave/internal/mathx"
	"ropweave/internal/mir"
	"ropweave/internal/opaque"
	"ropweave/internal/ropchain"
)

var (
	// ErrInternal marks invariant violations in chain construction.
	// These are bugs, not input problems, and abort the whole run.
	ErrInternal = errors.New("weaver: internal error")

	// ErrNot32Bit is returned for functions compiled for a 64-bit
	// target.
	ErrNot32Bit = errors.New("weaver: only 32-bit functions are supported")
)

// Report summarizes one obfuscated function.
type Report struct {
	Processed  int
	Obfuscated int
	Chains     int
}

// Weaver obfuscates functions against one analyzed library.
type Weaver struct {
	cfg    *config.Config
	oracle *autopsy.Autopsy
	eng    *engine.Engine
	rng    *mathx.Source
	stats  *Stats
}

// New creates a Weaver.
func New(cfg *config.Config, oracle *autopsy.Autopsy, rng *mathx.Source) *Weaver {
	return &Weaver{
		cfg:    cfg,
		oracle: oracle,
		eng:    engine.New(oracle),
		rng:    rng,
		stats:  NewStats(),
	}
}

// Stats returns the per-opcode status counters accumulated so far.
func (w *Weaver) Stats() *Stats { return w.stats }

// ObfuscateFunction rewrites fn in place. Instructions that cannot be
// ropified are kept; every successfully translated run of instructions
// is replaced by one emitted chain.
func (w *Weaver) ObfuscateFunction(fn *mir.Function) (Report, error) {
	var rep Report
	if fn.Is64Bit {
		return rep, fmt.Errorf("%w: %s", ErrNot32Bit, fn.Name)
	}

	param := w.cfg.ParameterFor(fn.Name)
	if !w.cfg.Global.ObfuscationEnabled || !param.ObfuscationEnabled {
		return rep, nil
	}

	analysis := liveness.Analyze(fn)
	chainID := 0

	for _, blk := range fn.Blocks {
		scratch := analysis.ScratchRegs(blk)

		var pending *ropchain.Chain
		var prev *mir.Instr
		var toDelete []*mir.Instr

		flush := func() error {
			if pending == nil {
				return nil
			}
			if err := w.insertChain(pending, blk, prev, chainID, param); err != nil {
				return err
			}
			chainID++
			rep.Chains++
			pending = nil
			return nil
		}

		for idx, in := range blk.Instrs {
			if in.IsDebug() {
				continue
			}
			rep.Processed++

			shouldSave := !liveness.IsSafeToClobberEFLAGS(blk, idx)
			status, chain := w.eng.Ropify(in, scratch[in], shouldSave)

			// a chain that jumps away never reaches the popf that
			// SaveAfterExec places after its ret
			if chain != nil && chain.HasJump() && chain.FlagSave == ropchain.SaveAfterExec {
				status = ropchain.ErrUnsupported
			}

			w.stats.Add(in.Op, status)

			if status != ropchain.OK {
				if err := flush(); err != nil {
					return rep, err
				}
				continue
			}

			toDelete = append(toDelete, in)
			if pending != nil && pending.CanMerge(chain) {
				pending.Merge(chain)
			} else {
				if err := flush(); err != nil {
					return rep, err
				}
				pending = chain
			}
			prev = in
			rep.Obfuscated++
		}

		if err := flush(); err != nil {
			return rep, err
		}

		// erase only after iteration: in-place removal would corrupt
		// the traversal above
		for _, in := range toDelete {
			blk.Erase(in)
		}
	}
	return rep, nil
}

// insertChain emits the replacement code for one merged chain and
// attaches it immediately before the anchor instruction. The anchor is
// the last ropified instruction of the run and is erased afterwards,
// leaving the emitted code in its place.
func (w *Weaver) insertChain(chain *ropchain.Chain, blk *mir.Block, anchor *mir.Instr, chainID int, param config.Parameter) error {
	as := asm.New()

	isLast := len(blk.Instrs) > 0 && blk.Instrs[len(blk.Instrs)-1] == anchor
	resumeLabelRequired := false
	var versioned []*autopsy.Symbol

	// stack layout at the ret, from high to low addresses:
	//
	// SaveAfterExec:            otherwise:
	//   1. saved flags            1. chain slots
	//   2. chain slots            2. saved regs (incl. flags),
	//   3. saved regs,               already popped, below ESP
	//      already popped,
	//      below ESP
	elems := chain.Elems
	if !chain.HasJump() && !chain.HasExplicitFallthrough() {
		elems = append(elems, ropchain.Fallthrough())
	}

	var chainLabel, resumeLabel asm.Label
	if w.cfg.Global.UseChainLabel {
		name := chainLabelName(blk.Fn.Name, chainID)
		chainLabel = asm.NewLabel(name)
		resumeLabel = asm.NewLabel("resume_" + name)
	} else {
		chainLabel = asm.NewAnonLabel()
		resumeLabel = asm.NewAnonLabel()
	}

	var pushes []pushInst
	if chain.FlagSave == ropchain.SaveAfterExec {
		// the popf emitted after ret restores these flags once the
		// chain has run
		pushes = append(pushes, pushEFLAGS{})
		isLast = false
	}

	// stack cursors recorded by EspPush, keyed by id. Offsets follow
	// emission order, which walks the chain backwards.
	cursors := make(map[uint32]int)
	off := -4 * len(pushes)
	for j := len(elems) - 1; j >= 0; j-- {
		if elems[j].Kind == ropchain.EspPush {
			cursors[elems[j].ID] = off
		}
		off -= 4
	}

	for j := len(elems) - 1; j >= 0; j-- {
		elem := elems[j]
		switch elem.Kind {
		case ropchain.ImmValue:
			push := &pushIMM{value: elem.Imm}
			if param.OpaquePredicateEnabled && param.ObfuscateImmediateOperand {
				oc, err := opaque.NewConstant32(opaque.EAX, param.OpaqueAlgo, w.rng)
				if err != nil {
					return err
				}
				push.opaque = oc
			}
			pushes = append(pushes, push)

		case ropchain.ImmGlobal:
			push := &pushGV{sym: elem.Sym, off: elem.SymOff}
			if param.OpaquePredicateEnabled && param.ObfuscateImmediateOperand {
				oc, err := opaque.NewConstant32(opaque.EAX, param.OpaqueAlgo, w.rng)
				if err != nil {
					return err
				}
				push.opaque = oc
			}
			pushes = append(pushes, push)

		case ropchain.Gadget:
			push, err := w.lowerGadget(elem.Gadget, param, &versioned)
			if err != nil {
				return err
			}
			pushes = append(pushes, push)

		case ropchain.JmpBlock:
			target := elem.Block
			blk.AddSuccessor(target)
			label := asm.NewAnonLabel()
			putLabelInBlock(target, label)

			push := &pushLabel{label: label}
			if param.OpaquePredicateEnabled && param.ObfuscateBranchTarget {
				oc, err := opaque.NewConstant32(opaque.EAX, param.OpaqueAlgo, w.rng)
				if err != nil {
					return err
				}
				push.opaque = oc
			}
			pushes = append(pushes, push)

		case ropchain.JmpFallthrough:
			var target asm.Label
			if isLast {
				if ls := blk.LayoutSuccessor(); ls != nil {
					target = resumeLabel
					putLabelInBlock(ls, target)
				}
			} else {
				target = resumeLabel
				resumeLabelRequired = true
			}
			if target.IsZero() {
				// block ends without a layout successor, typically a
				// call to a no-return function
				pushes = append(pushes, &pushIMM{value: 0})
				break
			}
			push := &pushLabel{label: target}
			if param.OpaquePredicateEnabled && param.ObfuscateBranchTarget {
				oc, err := opaque.NewConstant32(opaque.EAX, param.OpaqueAlgo, w.rng)
				if err != nil {
					return err
				}
				push.opaque = oc
			}
			pushes = append(pushes, push)

		case ropchain.EspPush:
			pushes = append(pushes, pushESP{})

		case ropchain.RegValue:
			pushes = append(pushes, pushREG{reg: elem.Reg})

		case ropchain.EspOffset:
			cursor, ok := cursors[elem.ID]
			if !ok {
				return fmt.Errorf("%w: EspOffset %d has no recorded EspPush", ErrInternal, elem.ID)
			}
			pushes = append(pushes, &pushIMM{value: elem.V - int64(cursor)})
		}
	}

	espoffset := -4 * len(pushes)

	// symbol version directives precede every reference to the symbols
	for _, sym := range versioned {
		as.Raw(sym.SymverDirective())
	}

	saved := savedRegs(chain, pushes, param)

	if len(saved) > 0 {
		// move ESP to where the chain will end, stash the registers
		// above it, then restore ESP; the chain slots stay reserved
		as.Lea(mir.ESP, mir.ESP, int64(espoffset))
		for _, r := range saved {
			if r == mir.EFLAGS {
				as.Pushf()
			} else {
				as.Push(asm.Reg(r))
			}
		}
		as.Lea(mir.ESP, mir.ESP, int64(4*len(saved)-espoffset))
	}

	as.PutLabel(chainLabel)

	for _, p := range pushes {
		p.compile(as)
	}

	if len(saved) > 0 {
		as.Lea(mir.ESP, mir.ESP, int64(-4*len(saved)))
		for i := len(saved) - 1; i >= 0; i-- {
			if saved[i] == mir.EFLAGS {
				as.Popf()
			} else {
				as.Pop(saved[i])
			}
		}
	}

	as.Ret()

	if resumeLabelRequired {
		// emitted only on demand: an unconditional label here would
		// break fall-through reachability analysis downstream
		as.PutLabel(resumeLabel)
	}

	if chain.FlagSave == ropchain.SaveAfterExec {
		as.Popf()
	}

	anchor.Pre = append(anchor.Pre, as.Emitted()...)
	return nil
}

// lowerGadget picks a random anchor symbol, samples gadget addresses
// for branch divergence, and builds the push with its opaque generator.
func (w *Weaver) lowerGadget(g *autopsy.Gadget, param config.Parameter, versioned *[]*autopsy.Symbol) (pushInst, error) {
	sym := w.oracle.GetRandomSymbol()

	numBranches := 1
	if param.BranchDivergenceEnabled {
		numBranches = param.BranchDivergenceMax
		if len(g.Addresses) < numBranches {
			numBranches = len(g.Addresses)
		}
	}
	sampled := w.rng.SampleUint64s(g.Addresses, numBranches)
	offsets := make([]uint32, len(sampled))
	for i, addr := range sampled {
		offsets[i] = uint32(addr - sym.Address)
	}

	// one symver per symbol: aliasing breaks when the library exports
	// several versions under the same name
	if !sym.Used() && sym.IsVersioned() {
		*versioned = append(*versioned, sym)
		sym.MarkUsed()
	}

	push := &pushGadget{anchor: sym, offset: offsets[0]}
	if param.OpaquePredicateEnabled {
		var oc opaque.Construct
		var err error
		if numBranches > 1 {
			oc, err = opaque.NewBranchingConstant32(opaque.EAX, len(offsets), param.BranchAlgo, w.rng)
		} else {
			oc, err = opaque.NewConstant32(opaque.EAX, param.OpaqueAlgo, w.rng)
		}
		if err != nil {
			return nil, err
		}
		values, ok := oc.Output().FindValues(opaque.EAX)
		if !ok {
			return nil, fmt.Errorf("%w: opaque constant has no EAX output", ErrInternal)
		}
		adjustor, err := opaque.NewValueAdjustor(opaque.EAX, values, offsets)
		if err != nil {
			return nil, err
		}
		push.opaque = opaque.Compose(adjustor, oc)
	}
	return push, nil
}

// savedRegs computes the registers stashed around the chain: every
// register clobbered by an opaque generator, plus EFLAGS exactly when
// the flags are saved before execution.
func savedRegs(chain *ropchain.Chain, pushes []pushInst, param config.Parameter) []mir.Reg {
	set := make(map[mir.Reg]bool)
	if param.OpaquePredicateEnabled {
		for _, p := range pushes {
			for _, r := range p.clobbered() {
				set[r] = true
			}
		}
	}
	if chain.FlagSave == ropchain.SaveBeforeExec {
		set[mir.EFLAGS] = true
	} else {
		delete(set, mir.EFLAGS)
	}

	var out []mir.Reg
	for r := mir.Reg(0); r <= mir.EFLAGS; r++ {
		if set[r] {
			out = append(out, r)
		}
	}
	return out
}

func putLabelInBlock(blk *mir.Block, label asm.Label) {
	blk.Head = append(blk.Head, asm.Op{Kind: asm.OpLabel, Label: label})
}

func chainLabelName(funcName string, chainID int) string {
	name := fmt.Sprintf("%s_chain_%d", funcName, chainID)
	return strings.ReplaceAll(name, "$", "_")
}
