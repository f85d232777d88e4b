// Package engine translates single machine instructions into abstract
// ROP chains. It decides only chain structure; anchor selection, opaque
// constants and branch divergence are applied later during emission.
package engine

import (
	"ropweave/internal/autopsy"
	"ropweave/internal/liveness"
	"ropweave/internal/mir"
	"ropweave/internal/ropchain"
)

// Engine is the ropifier. It is stateless apart from the shared gadget
// oracle.
type Engine struct {
	Oracle *autopsy.Autopsy
}

// New creates an Engine over the given oracle.
func New(oracle *autopsy.Autopsy) *Engine {
	return &Engine{Oracle: oracle}
}

// condCodes maps conditional jump opcodes to their cmov condition
// suffix.
var condCodes = map[mir.Opcode]string{
	mir.JE:  "e",
	mir.JNE: "ne",
	mir.JL:  "l",
	mir.JG:  "g",
	mir.JB:  "b",
	mir.JA:  "a",
}

// Ropify translates one instruction. scratch is the set of dead
// registers at the instruction, shouldSaveFlags whether the flags are
// observable across it. On any status other than OK the chain is nil
// and the caller keeps the original instruction.
func (e *Engine) Ropify(in *mir.Instr, scratch liveness.RegSet, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	switch in.Op {
	case mir.MOV32ri:
		return e.movImm(in, shouldSaveFlags)
	case mir.MOV32rr:
		return e.movReg(in, scratch, shouldSaveFlags)
	case mir.ADD32ri:
		return e.arithImm(in, in.Operands[1].Imm, scratch, shouldSaveFlags)
	case mir.SUB32ri:
		return e.arithImm(in, -in.Operands[1].Imm, scratch, shouldSaveFlags)
	case mir.ADD32rr:
		return e.addReg(in, shouldSaveFlags)
	case mir.SUB32rr:
		return e.subReg(in, shouldSaveFlags)
	case mir.XOR32rr:
		return e.xorReg(in, shouldSaveFlags)
	case mir.PUSH32i:
		return e.pushImm(in, shouldSaveFlags)
	case mir.PUSH32r:
		return e.pushReg(in, shouldSaveFlags)
	case mir.POP32r:
		// the slot a pop consumes sits above the chain's own stack
		// slots, out of reach of every gadget shape
		return ropchain.ErrUnsupportedStackPointer, nil
	case mir.NOP:
		return ropchain.OK, &ropchain.Chain{FlagSave: flagSaveFor(in, shouldSaveFlags)}
	case mir.JMP:
		return ropchain.OK, &ropchain.Chain{
			Elems:         []ropchain.Elem{ropchain.Jmp(in.Target())},
			FlagSave:      flagSaveFor(in, shouldSaveFlags),
			HasUncondJump: true,
		}
	case mir.JE, mir.JNE, mir.JL, mir.JG, mir.JB, mir.JA:
		return e.condJump(in, scratch, shouldSaveFlags)
	}
	return ropchain.ErrNotImplemented, nil
}

func flagSaveFor(in *mir.Instr, shouldSave bool) ropchain.FlagSave {
	if !shouldSave {
		return ropchain.NotSaved
	}
	if in.DefsFlags() {
		return ropchain.SaveBeforeExec
	}
	return ropchain.SaveAfterExec
}

// pickScratch returns a dead register outside the excluded set.
func pickScratch(scratch liveness.RegSet, exclude ...mir.Reg) (mir.Reg, bool) {
	for _, r := range scratch.Sorted() {
		skip := false
		for _, x := range exclude {
			if r == x {
				skip = true
				break
			}
		}
		if !skip {
			return r, true
		}
	}
	return mir.RegNone, false
}

func (e *Engine) movImm(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst := in.Operands[0].Reg
	if dst == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	pop := e.Oracle.PopReg(dst)
	if pop == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}

	var val ropchain.Elem
	switch src := in.Operands[1]; src.Kind {
	case mir.OpKindImm:
		val = ropchain.Imm(src.Imm)
	case mir.OpKindSym:
		val = ropchain.Global(src.Sym, src.SymOff)
	default:
		return ropchain.ErrNotImplemented, nil
	}

	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Gad(pop), val},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

func (e *Engine) movReg(in *mir.Instr, scratch liveness.RegSet, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	if dst == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	if src == mir.ESP {
		return e.movFromESP(in, dst, scratch, shouldSaveFlags)
	}

	mov := e.Oracle.MovRegReg(dst, src)
	if mov == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Gad(mov)},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

// movFromESP rebuilds the pre-chain stack pointer: the pushed ESP value
// is displaced by the chain's own stack use, so a correction computed
// from the recorded stack cursor is added back.
func (e *Engine) movFromESP(in *mir.Instr, dst mir.Reg, scratch liveness.RegSet, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	tmp, ok := pickScratch(scratch, dst)
	if !ok {
		return ropchain.ErrNoRegisterAvailable, nil
	}
	popDst := e.Oracle.PopReg(dst)
	popTmp := e.Oracle.PopReg(tmp)
	add := e.Oracle.AddRegReg(dst, tmp)
	if popDst == nil || popTmp == nil || add == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}

	const cursor = 0
	return ropchain.OK, &ropchain.Chain{
		Elems: []ropchain.Elem{
			ropchain.Gad(popDst),
			ropchain.PushESP(cursor),
			ropchain.Gad(popTmp),
			ropchain.OffsetESP(cursor, 0),
			ropchain.Gad(add),
		},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

// pushImm lowers a push as a trailing chain slot: the pushed value sits
// just below the pre-chain stack pointer with the fall-through slot
// beneath it, so the terminal ret leaves ESP on the value. Observable
// flags ride with the saved registers; a restore after execution would
// pop the pushed value instead of the flags.
func (e *Engine) pushImm(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	var val ropchain.Elem
	switch src := in.Operands[0]; src.Kind {
	case mir.OpKindImm:
		val = ropchain.Imm(src.Imm)
	case mir.OpKindSym:
		val = ropchain.Global(src.Sym, src.SymOff)
	default:
		return ropchain.ErrNotImplemented, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Fallthrough(), val},
		FlagSave: pushFlagSave(shouldSaveFlags),
	}
}

func (e *Engine) pushReg(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	r := in.Operands[0].Reg
	slot := ropchain.RegVal(r)
	if r == mir.ESP {
		// push esp stores the pre-push stack pointer, exactly what the
		// cursor slot records
		slot = ropchain.PushESP(0)
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Fallthrough(), slot},
		FlagSave: pushFlagSave(shouldSaveFlags),
	}
}

func pushFlagSave(shouldSave bool) ropchain.FlagSave {
	if shouldSave {
		return ropchain.SaveBeforeExec
	}
	return ropchain.NotSaved
}

func (e *Engine) arithImm(in *mir.Instr, value int64, scratch liveness.RegSet, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst := in.Operands[0].Reg
	if dst == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	tmp, ok := pickScratch(scratch, dst)
	if !ok {
		return ropchain.ErrNoRegisterAvailable, nil
	}
	pop := e.Oracle.PopReg(tmp)
	add := e.Oracle.AddRegReg(dst, tmp)
	if pop == nil || add == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems: []ropchain.Elem{
			ropchain.Gad(pop),
			ropchain.Imm(value),
			ropchain.Gad(add),
		},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

func (e *Engine) addReg(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	if dst == mir.ESP || src == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	add := e.Oracle.AddRegReg(dst, src)
	if add == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Gad(add)},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

func (e *Engine) subReg(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	if dst == mir.ESP || src == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	sub := e.Oracle.SubRegReg(dst, src)
	if sub == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Gad(sub)},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

// xorReg handles only the self-xor zeroing idiom, rewritten as loading
// zero. Other xor forms have no gadget-friendly shape.
func (e *Engine) xorReg(in *mir.Instr, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	dst, src := in.Operands[0].Reg, in.Operands[1].Reg
	if dst != src {
		return ropchain.ErrNotImplemented, nil
	}
	if dst == mir.ESP {
		return ropchain.ErrUnsupportedStackPointer, nil
	}
	pop := e.Oracle.PopReg(dst)
	if pop == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}
	return ropchain.OK, &ropchain.Chain{
		Elems:    []ropchain.Elem{ropchain.Gad(pop), ropchain.Imm(0)},
		FlagSave: flagSaveFor(in, shouldSaveFlags),
	}
}

// condJump lowers a conditional jump to a cmov based address select:
// both continuation addresses are popped into scratch registers, the
// condition picks one, and an indirect jump gadget transfers to it.
func (e *Engine) condJump(in *mir.Instr, scratch liveness.RegSet, shouldSaveFlags bool) (ropchain.Status, *ropchain.Chain) {
	cc := condCodes[in.Op]
	target := in.Target()

	taken, ok := pickScratch(scratch)
	if !ok {
		return ropchain.ErrNoRegisterAvailable, nil
	}
	fall, ok := pickScratch(scratch, taken)
	if !ok {
		return ropchain.ErrNoRegisterAvailable, nil
	}

	popTaken := e.Oracle.PopReg(taken)
	popFall := e.Oracle.PopReg(fall)
	cmov := e.Oracle.CMovCC(cc, fall, taken)
	jmp := e.Oracle.PushReg(fall)
	if popTaken == nil || popFall == nil || cmov == nil || jmp == nil {
		return ropchain.ErrNoGadgetsAvailable, nil
	}

	return ropchain.OK, &ropchain.Chain{
		Elems: []ropchain.Elem{
			ropchain.Gad(popTaken),
			ropchain.Jmp(target),
			ropchain.Gad(popFall),
			ropchain.Fallthrough(),
			ropchain.Gad(cmov),
			ropchain.Gad(jmp),
		},
		FlagSave:    flagSaveFor(in, shouldSaveFlags),
		HasCondJump: true,
	}
}
