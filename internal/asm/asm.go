// Package asm emits x86-32 machine code fragments as an op stream.
//
// The obfuscation pass builds replacement code through a Helper bound to an
// insertion point, then attaches the resulting ops to the instruction stream.
// Ops render to AT&T syntax via GasText, which also satisfies mir.Emitted.
package asm

import (
	"fmt"
	"sync/atomic"

	"ropweave/internal/mir"
)

// Label names a local code location. Anonymous labels (Name == "") render
// as numbered .Ltmp symbols, unique per process.
type Label struct {
	Name string
	id   uint64
}

var labelCounter atomic.Uint64

// NewLabel creates a named label.
func NewLabel(name string) Label { return Label{Name: name} }

// NewAnonLabel creates an anonymous label with a fresh temporary symbol.
func NewAnonLabel() Label { return Label{id: labelCounter.Add(1)} }

// Symbol returns the assembly-level symbol of the label.
func (l Label) Symbol() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf(".Ltmp%d", l.id)
}

// IsZero reports whether l is the zero Label (no name, no id).
func (l Label) IsZero() bool { return l.Name == "" && l.id == 0 }

// ValueKind discriminates Value.
type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueImm
	ValueReg
	ValueSym   // symbol + offset
	ValueLabel // local label + offset
	ValueMem   // [base + disp]
)

// Value is one operand of an emitted op.
type Value struct {
	Kind  ValueKind
	Imm   int64
	Reg   mir.Reg
	Sym   string
	Label Label
	Off   int64
	Base  mir.Reg // ValueMem
	Disp  int64   // ValueMem
}

// Imm builds an immediate operand.
func Imm(v int64) Value { return Value{Kind: ValueImm, Imm: v} }

// Reg builds a register operand.
func Reg(r mir.Reg) Value { return Value{Kind: ValueReg, Reg: r} }

// Sym builds a symbol-plus-offset immediate operand.
func Sym(name string, off int64) Value { return Value{Kind: ValueSym, Sym: name, Off: off} }

// LabelRef builds a label-plus-offset immediate operand.
func LabelRef(l Label, off int64) Value { return Value{Kind: ValueLabel, Label: l, Off: off} }

// Mem builds a [base+disp] memory operand.
func Mem(base mir.Reg, disp int64) Value { return Value{Kind: ValueMem, Base: base, Disp: disp} }

func (v Value) gas() string {
	switch v.Kind {
	case ValueImm:
		return fmt.Sprintf("$%d", v.Imm)
	case ValueReg:
		return "%" + v.Reg.String()
	case ValueSym:
		if v.Off != 0 {
			return fmt.Sprintf("$(%s%+d)", v.Sym, v.Off)
		}
		return "$" + v.Sym
	case ValueLabel:
		if v.Off != 0 {
			return fmt.Sprintf("$(%s%+d)", v.Label.Symbol(), v.Off)
		}
		return "$" + v.Label.Symbol()
	case ValueMem:
		if v.Disp != 0 {
			return fmt.Sprintf("%d(%%%s)", v.Disp, v.Base)
		}
		return fmt.Sprintf("(%%%s)", v.Base)
	}
	return "?"
}

// OpKind discriminates Op.
type OpKind uint8

const (
	OpPush OpKind = iota
	OpPop
	OpPushf
	OpPopf
	OpLea
	OpAdd
	OpSub
	OpXor
	OpAnd
	OpCmp
	OpNeg
	OpMov
	OpImul
	OpRdtsc
	OpJmp
	OpJb
	OpJne
	OpRet
	OpLabel
	OpRaw
)

// Op is one emitted machine op. Dst/Src use AT&T semantics internally
// reversed at render time (Dst is the written operand).
type Op struct {
	Kind  OpKind
	Dst   Value
	Src   Value
	Label Label  // OpLabel and branch targets
	Raw   string // OpRaw verbatim directive text
}

// GasText renders the op in AT&T syntax. Satisfies mir.Emitted.
func (o Op) GasText() string {
	switch o.Kind {
	case OpPush:
		return "pushl " + o.Dst.gas()
	case OpPop:
		return "popl " + o.Dst.gas()
	case OpPushf:
		return "pushfl"
	case OpPopf:
		return "popfl"
	case OpLea:
		return fmt.Sprintf("leal %s, %s", o.Src.gas(), o.Dst.gas())
	case OpAdd:
		return fmt.Sprintf("addl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpSub:
		return fmt.Sprintf("subl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpXor:
		return fmt.Sprintf("xorl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpAnd:
		return fmt.Sprintf("andl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpCmp:
		return fmt.Sprintf("cmpl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpNeg:
		return "negl " + o.Dst.gas()
	case OpMov:
		return fmt.Sprintf("movl %s, %s", o.Src.gas(), o.Dst.gas())
	case OpImul:
		// three operand form: imul $imm, src, dst
		return fmt.Sprintf("imull %s, %s, %s", o.Src.gas(), Reg(o.Dst.Reg).gas(), o.Dst.gas())
	case OpRdtsc:
		return "rdtsc"
	case OpJmp:
		return "jmp " + o.Label.Symbol()
	case OpJb:
		return "jb " + o.Label.Symbol()
	case OpJne:
		return "jne " + o.Label.Symbol()
	case OpRet:
		return "ret"
	case OpLabel:
		return o.Label.Symbol() + ":"
	case OpRaw:
		return o.Raw
	}
	return "?"
}

// Helper accumulates emitted ops for one insertion point.
type Helper struct {
	ops []Op
}

// New creates an empty Helper.
func New() *Helper { return &Helper{} }

// Ops returns the accumulated op stream.
func (h *Helper) Ops() []Op { return h.ops }

// Emitted returns the accumulated ops as mir.Emitted values.
func (h *Helper) Emitted() []mir.Emitted {
	out := make([]mir.Emitted, len(h.ops))
	for i, op := range h.ops {
		out[i] = op
	}
	return out
}

func (h *Helper) emit(op Op) { h.ops = append(h.ops, op) }

func (h *Helper) Push(v Value)         { h.emit(Op{Kind: OpPush, Dst: v}) }
func (h *Helper) Pop(r mir.Reg)        { h.emit(Op{Kind: OpPop, Dst: Reg(r)}) }
func (h *Helper) Pushf()               { h.emit(Op{Kind: OpPushf}) }
func (h *Helper) Popf()                { h.emit(Op{Kind: OpPopf}) }
func (h *Helper) Ret()                 { h.emit(Op{Kind: OpRet}) }
func (h *Helper) Rdtsc()               { h.emit(Op{Kind: OpRdtsc}) }
func (h *Helper) Neg(dst Value)        { h.emit(Op{Kind: OpNeg, Dst: dst}) }
func (h *Helper) PutLabel(l Label)     { h.emit(Op{Kind: OpLabel, Label: l}) }
func (h *Helper) Raw(directive string) { h.emit(Op{Kind: OpRaw, Raw: directive}) }

// Lea emits lea dst, [base+disp].
func (h *Helper) Lea(dst mir.Reg, base mir.Reg, disp int64) {
	h.emit(Op{Kind: OpLea, Dst: Reg(dst), Src: Mem(base, disp)})
}

func (h *Helper) Add(dst, src Value) { h.emit(Op{Kind: OpAdd, Dst: dst, Src: src}) }
func (h *Helper) Sub(dst, src Value) { h.emit(Op{Kind: OpSub, Dst: dst, Src: src}) }
func (h *Helper) Xor(dst, src Value) { h.emit(Op{Kind: OpXor, Dst: dst, Src: src}) }
func (h *Helper) And(dst, src Value) { h.emit(Op{Kind: OpAnd, Dst: dst, Src: src}) }
func (h *Helper) Cmp(dst, src Value) { h.emit(Op{Kind: OpCmp, Dst: dst, Src: src}) }
func (h *Helper) Mov(dst, src Value) { h.emit(Op{Kind: OpMov, Dst: dst, Src: src}) }

// Imul emits the three operand form imul dst, dst, imm.
func (h *Helper) Imul(dst mir.Reg, imm int64) {
	h.emit(Op{Kind: OpImul, Dst: Reg(dst), Src: Imm(imm)})
}

func (h *Helper) Jmp(l Label) { h.emit(Op{Kind: OpJmp, Label: l}) }
func (h *Helper) Jb(l Label)  { h.emit(Op{Kind: OpJb, Label: l}) }
func (h *Helper) Jne(l Label) { h.emit(Op{Kind: OpJne, Label: l}) }
