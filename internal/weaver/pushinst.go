package weaver

import (
	"ropweave/internal/asm"
	"ropweave/internal/autopsy"
	"ropweave/internal/mir"
	"ropweave/internal/opaque"
)

// pushInst is one lowered chain slot. Each variant emits the code that
// leaves exactly one value on the stack. Variants carrying an opaque
// generator first compute a disguised value into EAX, adjust it to the
// real target, and push EAX instead of the plain immediate.
type pushInst interface {
	compile(as *asm.Helper)
	clobbered() []mir.Reg
}

func opaqueClobbers(oc opaque.Construct) []mir.Reg {
	if oc == nil {
		return nil
	}
	return oc.Clobbered()
}

// mustOutputValue reads the single EAX output of a generator. Factory
// construction guarantees it exists for non-branching constants.
func mustOutputValue(oc opaque.Construct) uint32 {
	v, _ := oc.Output().FindValue(opaque.EAX)
	return v
}

type pushIMM struct {
	value  int64
	opaque opaque.Construct
}

func (p *pushIMM) compile(as *asm.Helper) {
	if p.opaque == nil {
		as.Push(asm.Imm(p.value))
		return
	}
	out := mustOutputValue(p.opaque)
	p.opaque.Compile(as, 0)
	diff := uint32(p.value) - out
	as.Add(asm.Reg(mir.EAX), asm.Imm(int64(int32(diff))))
	as.Push(asm.Reg(mir.EAX))
}

func (p *pushIMM) clobbered() []mir.Reg { return opaqueClobbers(p.opaque) }

type pushGV struct {
	sym    string
	off    int64
	opaque opaque.Construct
}

func (p *pushGV) compile(as *asm.Helper) {
	if p.opaque == nil {
		as.Push(asm.Sym(p.sym, p.off))
		return
	}
	out := mustOutputValue(p.opaque)
	p.opaque.Compile(as, 0)
	diff := uint32(p.off) - out
	as.Add(asm.Reg(mir.EAX), asm.Sym(p.sym, int64(int32(diff))))
	as.Push(asm.Reg(mir.EAX))
}

func (p *pushGV) clobbered() []mir.Reg { return opaqueClobbers(p.opaque) }

type pushGadget struct {
	anchor *autopsy.Symbol
	offset uint32
	opaque opaque.Construct
}

func (p *pushGadget) compile(as *asm.Helper) {
	if p.opaque == nil {
		as.Push(asm.Sym(p.anchor.Label, int64(int32(p.offset))))
		return
	}
	// the generator already ends with the gadget offset in EAX; the
	// anchor relocation resolves the base at link time
	p.opaque.Compile(as, 0)
	as.Add(asm.Reg(mir.EAX), asm.Sym(p.anchor.Label, 0))
	as.Push(asm.Reg(mir.EAX))
}

func (p *pushGadget) clobbered() []mir.Reg { return opaqueClobbers(p.opaque) }

type pushLabel struct {
	label  asm.Label
	opaque opaque.Construct
}

func (p *pushLabel) compile(as *asm.Helper) {
	if p.opaque == nil {
		as.Push(asm.LabelRef(p.label, 0))
		return
	}
	out := mustOutputValue(p.opaque)
	p.opaque.Compile(as, 0)
	as.Add(asm.Reg(mir.EAX), asm.LabelRef(p.label, -int64(int32(out))))
	as.Push(asm.Reg(mir.EAX))
}

func (p *pushLabel) clobbered() []mir.Reg { return opaqueClobbers(p.opaque) }

type pushESP struct{}

func (pushESP) compile(as *asm.Helper) { as.Push(asm.Reg(mir.ESP)) }
func (pushESP) clobbered() []mir.Reg   { return nil }

// pushREG captures the register's live value into the slot. The value
// is unknown at compile time, so no opaque disguise applies.
type pushREG struct{ reg mir.Reg }

func (p pushREG) compile(as *asm.Helper) { as.Push(asm.Reg(p.reg)) }
func (p pushREG) clobbered() []mir.Reg   { return nil }

type pushEFLAGS struct{}

func (pushEFLAGS) compile(as *asm.Helper) { as.Pushf() }
func (pushEFLAGS) clobbered() []mir.Reg   { return nil }
