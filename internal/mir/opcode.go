package mir

import (
	"fmt"
	"strings"
)

// Opcode identifies one instruction shape. The naming follows the usual
// back-end convention: mnemonic, operand width, operand kinds
// (r = register, i = immediate).
type Opcode uint16

const (
	OpInvalid Opcode = iota
	MOV32ri
	MOV32rr
	ADD32ri
	ADD32rr
	SUB32ri
	SUB32rr
	XOR32rr
	CMP32ri
	CMP32rr
	TEST32rr
	PUSH32r
	PUSH32i
	POP32r
	JMP
	JE
	JNE
	JL
	JG
	JB
	JA
	CALL
	RET
	NOP
	DBGVALUE
)

type opcodeInfo struct {
	name       string
	mnemonic   string // GAS mnemonic, "" for pseudo instructions
	readsFlags bool
	defsFlags  bool
	cond       bool // conditional jump
	jump       bool // any jump
	term       bool // block terminator
	debug      bool // debug-only pseudo instruction
}

var opcodeTable = map[Opcode]opcodeInfo{
	MOV32ri:  {name: "MOV32ri", mnemonic: "movl"},
	MOV32rr:  {name: "MOV32rr", mnemonic: "movl"},
	ADD32ri:  {name: "ADD32ri", mnemonic: "addl", defsFlags: true},
	ADD32rr:  {name: "ADD32rr", mnemonic: "addl", defsFlags: true},
	SUB32ri:  {name: "SUB32ri", mnemonic: "subl", defsFlags: true},
	SUB32rr:  {name: "SUB32rr", mnemonic: "subl", defsFlags: true},
	XOR32rr:  {name: "XOR32rr", mnemonic: "xorl", defsFlags: true},
	CMP32ri:  {name: "CMP32ri", mnemonic: "cmpl", defsFlags: true},
	CMP32rr:  {name: "CMP32rr", mnemonic: "cmpl", defsFlags: true},
	TEST32rr: {name: "TEST32rr", mnemonic: "testl", defsFlags: true},
	PUSH32r:  {name: "PUSH32r", mnemonic: "pushl"},
	PUSH32i:  {name: "PUSH32i", mnemonic: "pushl"},
	POP32r:   {name: "POP32r", mnemonic: "popl"},
	JMP:      {name: "JMP", mnemonic: "jmp", jump: true, term: true},
	JE:       {name: "JE", mnemonic: "je", readsFlags: true, cond: true, jump: true, term: true},
	JNE:      {name: "JNE", mnemonic: "jne", readsFlags: true, cond: true, jump: true, term: true},
	JL:       {name: "JL", mnemonic: "jl", readsFlags: true, cond: true, jump: true, term: true},
	JG:       {name: "JG", mnemonic: "jg", readsFlags: true, cond: true, jump: true, term: true},
	JB:       {name: "JB", mnemonic: "jb", readsFlags: true, cond: true, jump: true, term: true},
	JA:       {name: "JA", mnemonic: "ja", readsFlags: true, cond: true, jump: true, term: true},
	CALL:     {name: "CALL", mnemonic: "call", defsFlags: true},
	RET:      {name: "RET", mnemonic: "ret", term: true},
	NOP:      {name: "NOP", mnemonic: "nop"},
	DBGVALUE: {name: "DBG_VALUE", debug: true},
}

func (op Opcode) info() opcodeInfo { return opcodeTable[op] }

// Name returns the back-end opcode name (e.g. "MOV32ri").
func (op Opcode) Name() string {
	if inf, ok := opcodeTable[op]; ok {
		return inf.name
	}
	return fmt.Sprintf("opcode(%d)", uint16(op))
}

// OpcodeByName resolves a back-end opcode name. Returns OpInvalid if unknown.
func OpcodeByName(name string) Opcode {
	for op, inf := range opcodeTable {
		if inf.name == name {
			return op
		}
	}
	return OpInvalid
}

// IsDebug reports whether the instruction is a debug-only pseudo instruction.
func (in *Instr) IsDebug() bool { return in.Op.info().debug }

// IsJump reports whether the instruction is a jump of any kind.
func (in *Instr) IsJump() bool { return in.Op.info().jump }

// IsConditional reports whether the instruction is a conditional jump.
func (in *Instr) IsConditional() bool { return in.Op.info().cond }

// IsTerminator reports whether the instruction ends its basic block.
func (in *Instr) IsTerminator() bool { return in.Op.info().term }

// ReadsFlags reports whether the instruction reads EFLAGS.
func (in *Instr) ReadsFlags() bool { return in.Op.info().readsFlags }

// DefsFlags reports whether the instruction defines (clobbers) EFLAGS.
func (in *Instr) DefsFlags() bool { return in.Op.info().defsFlags }

// Uses returns the registers the instruction reads.
func (in *Instr) Uses() []Reg {
	var uses []Reg
	switch in.Op {
	case MOV32rr:
		uses = append(uses, in.Operands[1].Reg)
	case ADD32ri, SUB32ri, CMP32ri:
		uses = append(uses, in.Operands[0].Reg)
	case ADD32rr, SUB32rr, XOR32rr, CMP32rr, TEST32rr:
		uses = append(uses, in.Operands[0].Reg, in.Operands[1].Reg)
	case PUSH32r:
		uses = append(uses, in.Operands[0].Reg)
	}
	return uses
}

// Defs returns the registers the instruction writes, EFLAGS excluded.
func (in *Instr) Defs() []Reg {
	var defs []Reg
	switch in.Op {
	case MOV32ri, MOV32rr, ADD32ri, ADD32rr, SUB32ri, SUB32rr, XOR32rr, POP32r:
		defs = append(defs, in.Operands[0].Reg)
	case CALL:
		// caller-saved registers are dead across the call
		defs = append(defs, EAX, ECX, EDX)
	}
	return defs
}

// Target returns the jump target block, or nil.
func (in *Instr) Target() *Block {
	if !in.IsJump() || len(in.Operands) == 0 {
		return nil
	}
	return in.Operands[0].Block
}

// GasText renders the instruction in AT&T syntax.
func (in *Instr) GasText() string {
	inf := in.Op.info()
	if inf.debug {
		return "# " + in.String()
	}
	if len(in.Operands) == 0 {
		return inf.mnemonic
	}

	var parts []string
	// AT&T order: source first, destination last.
	for i := len(in.Operands) - 1; i >= 0; i-- {
		parts = append(parts, gasOperand(in.Operands[i]))
	}
	return inf.mnemonic + " " + strings.Join(parts, ", ")
}

func gasOperand(op Operand) string {
	switch op.Kind {
	case OpKindReg:
		return "%" + op.Reg.String()
	case OpKindImm:
		return fmt.Sprintf("$%d", op.Imm)
	case OpKindSym:
		if op.SymOff != 0 {
			return fmt.Sprintf("$%s+%d", op.Sym, op.SymOff)
		}
		return "$" + op.Sym
	case OpKindBlock:
		return blockLabel(op.Block)
	}
	return "?"
}

func (in *Instr) String() string {
	var b strings.Builder
	b.WriteString(in.Op.Name())
	for i, op := range in.Operands {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		switch op.Kind {
		case OpKindReg:
			b.WriteString(op.Reg.String())
		case OpKindImm:
			fmt.Fprintf(&b, "%d", op.Imm)
		case OpKindSym:
			b.WriteString(op.Sym)
			if op.SymOff != 0 {
				fmt.Fprintf(&b, "+%d", op.SymOff)
			}
		case OpKindBlock:
			b.WriteString(op.Block.Name)
		}
	}
	return b.String()
}
