// Package liveness computes, per instruction, which general purpose
// registers are dead and therefore usable as scratch space, and whether
// EFLAGS may be clobbered across a program point.
package liveness

import "ropweave/internal/mir"

// RegSet is a set of registers.
type RegSet map[mir.Reg]bool

// Clone returns an independent copy of the set.
func (s RegSet) Clone() RegSet {
	out := make(RegSet, len(s))
	for r := range s {
		out[r] = true
	}
	return out
}

// Sorted returns the members in mir encoding order.
func (s RegSet) Sorted() []mir.Reg {
	var out []mir.Reg
	for _, r := range mir.GPRs {
		if s[r] {
			out = append(out, r)
		}
	}
	return out
}

// exitLiveOut is the live-out set of blocks without successors: the
// return value register plus the callee-saved registers the function
// must not destroy. ECX and EDX are dead at function exit.
var exitLiveOut = []mir.Reg{mir.EAX, mir.EBX, mir.ESI, mir.EDI}

// Analysis holds the per-function liveness solution.
type Analysis struct {
	liveIn  map[*mir.Block]RegSet
	liveOut map[*mir.Block]RegSet
}

// Analyze solves backward liveness over the function's blocks by
// fixed-point iteration. Blocks with no successors use exitLiveOut.
func Analyze(fn *mir.Function) *Analysis {
	a := &Analysis{
		liveIn:  make(map[*mir.Block]RegSet, len(fn.Blocks)),
		liveOut: make(map[*mir.Block]RegSet, len(fn.Blocks)),
	}
	for _, blk := range fn.Blocks {
		a.liveIn[blk] = make(RegSet)
		a.liveOut[blk] = make(RegSet)
	}

	for changed := true; changed; {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			blk := fn.Blocks[i]

			out := make(RegSet)
			if len(blk.Succs) == 0 {
				for _, r := range exitLiveOut {
					out[r] = true
				}
			} else {
				for _, s := range blk.Succs {
					for r := range a.liveIn[s] {
						out[r] = true
					}
				}
			}

			in := out.Clone()
			for j := len(blk.Instrs) - 1; j >= 0; j-- {
				transfer(blk.Instrs[j], in)
			}

			if !equal(a.liveOut[blk], out) || !equal(a.liveIn[blk], in) {
				a.liveOut[blk] = out
				a.liveIn[blk] = in
				changed = true
			}
		}
	}
	return a
}

func transfer(in *mir.Instr, live RegSet) {
	if in.IsDebug() {
		return
	}
	for _, r := range in.Defs() {
		delete(live, r)
	}
	for _, r := range in.Uses() {
		live[r] = true
	}
}

func equal(a, b RegSet) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if !b[r] {
			return false
		}
	}
	return true
}

// ScratchRegs maps each instruction of the block to the set of general
// purpose registers that are dead immediately before it executes.
func (a *Analysis) ScratchRegs(blk *mir.Block) map[*mir.Instr]RegSet {
	live := a.liveOut[blk].Clone()

	out := make(map[*mir.Instr]RegSet, len(blk.Instrs))
	for i := len(blk.Instrs) - 1; i >= 0; i-- {
		in := blk.Instrs[i]
		transfer(in, live)
		dead := make(RegSet)
		for _, r := range mir.GPRs {
			if !live[r] {
				dead[r] = true
			}
		}
		out[in] = dead
	}
	return out
}

// IsSafeToClobberEFLAGS reports whether the flags may be destroyed
// immediately before blk.Instrs[idx]. A flags reader before any flags
// writer means the current value is observable, so clobbering is
// unsafe. Reaching the end of the block without a writer is also
// unsafe, since a successor may read the flags.
func IsSafeToClobberEFLAGS(blk *mir.Block, idx int) bool {
	for i := idx; i < len(blk.Instrs); i++ {
		in := blk.Instrs[i]
		if in.ReadsFlags() {
			return false
		}
		if in.DefsFlags() {
			return true
		}
	}
	return false
}
