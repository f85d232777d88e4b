// Package ropviz maps transformed functions onto lattice graph types so
// the rewriting can be inspected as DOT: one CFG node per basic block,
// annotated with the chains inserted there, plus a whole-module call
// graph built from surviving call instructions.
package ropviz

import (
	"fmt"

	"github.com/zboralski/lattice"

	"ropweave/internal/mir"
)

// BuildFuncCFG converts one function to a lattice.FuncCFG. Block IDs
// are layout indices. Instructions that carry injected chain code are
// surfaced as call sites so the renderer shows where chains landed.
func BuildFuncCFG(fn *mir.Function) *lattice.FuncCFG {
	ids := make(map[*mir.Block]int, len(fn.Blocks))
	for i, blk := range fn.Blocks {
		ids[blk] = i
	}

	lcfg := &lattice.FuncCFG{Name: fn.Name}
	pos := 0
	for i, blk := range fn.Blocks {
		lb := &lattice.BasicBlock{
			ID:    i,
			Start: pos,
			End:   pos + len(blk.Instrs),
			Term:  len(blk.Succs) == 0,
		}

		cond := blockEndsConditional(blk)
		for si, s := range blk.Succs {
			var c string
			if cond {
				if si == 0 {
					c = "T"
				} else {
					c = "F"
				}
			}
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: ids[s], Cond: c})
		}

		for idx, in := range blk.Instrs {
			if len(in.Pre) > 0 {
				lb.Calls = append(lb.Calls, lattice.CallSite{
					Offset: pos + idx,
					Callee: fmt.Sprintf("chain[%d]", len(in.Pre)),
				})
			}
			if in.Op == mir.CALL && len(in.Operands) > 0 && in.Operands[0].Kind == mir.OpKindSym {
				lb.Calls = append(lb.Calls, lattice.CallSite{
					Offset: pos + idx,
					Callee: in.Operands[0].Sym,
				})
			}
		}
		if n := len(blk.Tail); n > 0 {
			lb.Calls = append(lb.Calls, lattice.CallSite{
				Offset: pos + len(blk.Instrs),
				Callee: fmt.Sprintf("chain[%d]", n),
			})
		}

		pos += len(blk.Instrs)
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}

// BuildCFG converts all functions into one lattice.CFGGraph.
func BuildCFG(fns []*mir.Function) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, fn := range fns {
		cg.Funcs = append(cg.Funcs, BuildFuncCFG(fn))
	}
	return cg
}

// BuildCallGraph constructs a lattice.Graph over the module's
// functions. Each direct call with a symbol operand becomes an edge.
func BuildCallGraph(fns []*mir.Function) *lattice.Graph {
	g := &lattice.Graph{}
	for _, fn := range fns {
		g.Nodes = append(g.Nodes, fn.Name)
		for _, blk := range fn.Blocks {
			for _, in := range blk.Instrs {
				if in.Op != mir.CALL || len(in.Operands) == 0 {
					continue
				}
				op := in.Operands[0]
				if op.Kind != mir.OpKindSym || op.Sym == "" {
					continue
				}
				g.Edges = append(g.Edges, lattice.Edge{Caller: fn.Name, Callee: op.Sym})
			}
		}
	}
	g.Dedup()
	return g
}

func blockEndsConditional(blk *mir.Block) bool {
	for i := len(blk.Instrs) - 1; i >= 0; i-- {
		in := blk.Instrs[i]
		if in.IsDebug() {
			continue
		}
		return in.IsConditional() && in.IsJump()
	}
	return false
}
