// Package opaque builds opaque constant generators: code sequences that
// compute a statically known value into a storage location while
// resisting constant propagation by static analysis. Branching variants
// produce one of several known values, enabling divergent control flow
// when paired with a value adjustor.
package opaque

import (
	"errors"
	"fmt"

	"ropweave/internal/asm"
	"ropweave/internal/config"
	"ropweave/internal/mathx"
	"ropweave/internal/mir"
)

var ErrBadAlgo = errors.New("opaque: unknown algorithm")

// StorageKind discriminates Storage.
type StorageKind uint8

const (
	StorageReg StorageKind = iota
	StorageStack
)

// Storage names where a construct leaves its result: a register or a
// stack slot addressed relative to ESP at compile time.
type Storage struct {
	Kind StorageKind
	Reg  mir.Reg
	Slot int
}

// EAX is the storage used by all push lowerings.
var EAX = Storage{Kind: StorageReg, Reg: mir.EAX}

// StackSlot returns the storage for the stack slot at the given byte
// offset from ESP.
func StackSlot(off int) Storage { return Storage{Kind: StorageStack, Slot: off} }

// Output maps storage locations to the set of values a construct may
// produce there.
type Output struct {
	values map[Storage][]uint32
}

func (o *Output) add(st Storage, vs ...uint32) {
	if o.values == nil {
		o.values = make(map[Storage][]uint32)
	}
	o.values[st] = append(o.values[st], vs...)
}

// FindValue returns the single value produced at st. It reports false
// when nothing, or more than one value, is produced there.
func (o *Output) FindValue(st Storage) (uint32, bool) {
	vs := o.values[st]
	if len(vs) != 1 {
		return 0, false
	}
	return vs[0], true
}

// FindValues returns all values the construct may produce at st.
func (o *Output) FindValues(st Storage) ([]uint32, bool) {
	vs, ok := o.values[st]
	return vs, ok
}

// Construct is one opaque code generator.
//
// Compile appends the generator's code to as. stackOffset is the
// displacement of ESP at the emission point relative to the position
// the construct's stack storage refers to.
type Construct interface {
	Compile(as *asm.Helper, stackOffset int)
	Output() *Output
	Clobbered() []mir.Reg
}

// movConstant loads the value directly.
type movConstant struct {
	st    Storage
	value uint32
}

func (c *movConstant) Compile(as *asm.Helper, stackOffset int) {
	storeResult(as, c.st, stackOffset, func(dst asm.Value) {
		as.Mov(dst, asm.Imm(int64(c.value)))
	})
}

func (c *movConstant) Output() *Output {
	out := &Output{}
	out.add(c.st, c.value)
	return out
}

func (c *movConstant) Clobbered() []mir.Reg {
	return clobberForStorage(c.st, nil)
}

// multcompConstant hides the value behind a wrapping 32-bit multiply: the
// emitted factor pair is useless to an analyzer that does not model
// wraparound multiplication.
type multcompConstant struct {
	st     Storage
	value  uint32
	seed   uint32 // seed * factor == value mod 2^32
	factor uint32
}

func (c *multcompConstant) Compile(as *asm.Helper, stackOffset int) {
	as.Mov(asm.Reg(mir.EAX), asm.Imm(int64(c.seed)))
	as.Imul(mir.EAX, int64(c.factor))
	finishInEAX(as, c.st, stackOffset)
}

func (c *multcompConstant) Output() *Output {
	out := &Output{}
	out.add(c.st, c.value)
	return out
}

func (c *multcompConstant) Clobbered() []mir.Reg {
	return clobberForStorage(c.st, []mir.Reg{mir.EAX, mir.EFLAGS})
}

// branchingConstant computes one of n values (0..n-1) from a runtime
// entropy source, reduced into range with a mask and a conditional
// subtract.
type branchingConstant struct {
	st   Storage
	n    uint32
	algo config.BranchAlgo
}

func (c *branchingConstant) Compile(as *asm.Helper, stackOffset int) {
	switch c.algo {
	case config.BranchRdtsc:
		as.Rdtsc()
	case config.BranchAddReg:
		as.Mov(asm.Reg(mir.EAX), asm.Reg(mir.EDX))
		as.Add(asm.Reg(mir.EAX), asm.Reg(mir.ECX))
	case config.BranchNegativeStack:
		as.Mov(asm.Reg(mir.EAX), asm.Mem(mir.ESP, int64(-4-stackOffset)))
	}

	mask := nextPow2(c.n) - 1
	as.And(asm.Reg(mir.EAX), asm.Imm(int64(mask)))
	if mask+1 != c.n {
		// masked value may still be >= n; fold it back into range
		inRange := asm.NewAnonLabel()
		as.Cmp(asm.Reg(mir.EAX), asm.Imm(int64(c.n)))
		as.Jb(inRange)
		as.Sub(asm.Reg(mir.EAX), asm.Imm(int64(c.n)))
		as.PutLabel(inRange)
	}
	finishInEAX(as, c.st, stackOffset)
}

func (c *branchingConstant) Output() *Output {
	out := &Output{}
	vs := make([]uint32, c.n)
	for i := range vs {
		vs[i] = uint32(i)
	}
	out.add(c.st, vs...)
	return out
}

func (c *branchingConstant) Clobbered() []mir.Reg {
	regs := []mir.Reg{mir.EAX, mir.EFLAGS}
	if c.algo == config.BranchRdtsc {
		regs = append(regs, mir.EDX)
	}
	return clobberForStorage(c.st, regs)
}

// valueAdjustor maps each possible input value in st to the output
// value at the same index, via a compare-and-adjust ladder.
type valueAdjustor struct {
	st      Storage
	inputs  []uint32
	outputs []uint32
}

func (c *valueAdjustor) Compile(as *asm.Helper, stackOffset int) {
	loadToEAX(as, c.st, stackOffset)
	done := asm.NewAnonLabel()
	for i, in := range c.inputs {
		diff := c.outputs[i] - in
		if i == len(c.inputs)-1 {
			as.Add(asm.Reg(mir.EAX), asm.Imm(int64(diff)))
			break
		}
		next := asm.NewAnonLabel()
		as.Cmp(asm.Reg(mir.EAX), asm.Imm(int64(in)))
		as.Jne(next)
		as.Add(asm.Reg(mir.EAX), asm.Imm(int64(diff)))
		as.Jmp(done)
		as.PutLabel(next)
	}
	as.PutLabel(done)
	finishInEAX(as, c.st, stackOffset)
}

func (c *valueAdjustor) Output() *Output {
	out := &Output{}
	out.add(c.st, c.outputs...)
	return out
}

func (c *valueAdjustor) Clobbered() []mir.Reg {
	return clobberForStorage(c.st, []mir.Reg{mir.EAX, mir.EFLAGS})
}

// composed runs inner first, then outer over inner's result. The
// composition's output is outer's output.
type composed struct {
	outer, inner Construct
}

func (c *composed) Compile(as *asm.Helper, stackOffset int) {
	c.inner.Compile(as, stackOffset)
	c.outer.Compile(as, stackOffset)
}

func (c *composed) Output() *Output { return c.outer.Output() }

func (c *composed) Clobbered() []mir.Reg {
	return regUnion(c.inner.Clobbered(), c.outer.Clobbered())
}

// NewConstant32 creates an opaque generator for a fresh random 32-bit
// value at st. The caller reads the produced value from Output and
// adjusts by the difference to its real target.
func NewConstant32(st Storage, algo config.OpaqueAlgo, rng *mathx.Source) (Construct, error) {
	switch algo {
	case config.AlgoMov:
		return &movConstant{st: st, value: rng.Uint32()}, nil
	case config.AlgoMultcomp:
		// encode the value by the factor's inverse; the emitted wrapping
		// multiply decodes it back
		factor := rng.OddUint32()
		value := rng.Uint32()
		return &multcompConstant{
			st:     st,
			value:  value,
			seed:   value * mathx.ModInverse32(factor),
			factor: factor,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrBadAlgo, algo)
}

// NewBranchingConstant32 creates a generator producing one of the n
// values 0..n-1 at st, chosen by runtime entropy.
func NewBranchingConstant32(st Storage, n int, algo config.BranchAlgo, rng *mathx.Source) (Construct, error) {
	switch algo {
	case config.BranchAddReg, config.BranchRdtsc, config.BranchNegativeStack:
	default:
		return nil, fmt.Errorf("%w: %v", ErrBadAlgo, algo)
	}
	if n < 1 {
		return nil, fmt.Errorf("opaque: branching constant needs n >= 1, got %d", n)
	}
	return &branchingConstant{st: st, n: uint32(n), algo: algo}, nil
}

// NewValueAdjustor creates a construct mapping inputs[i] to outputs[i]
// at st.
func NewValueAdjustor(st Storage, inputs, outputs []uint32) (Construct, error) {
	if len(inputs) != len(outputs) || len(inputs) == 0 {
		return nil, fmt.Errorf("opaque: adjustor needs matching non-empty inputs and outputs")
	}
	in := make([]uint32, len(inputs))
	out := make([]uint32, len(outputs))
	copy(in, inputs)
	copy(out, outputs)
	return &valueAdjustor{st: st, inputs: in, outputs: out}, nil
}

// Compose returns outer after inner: inner's code runs first, outer
// transforms its result.
func Compose(outer, inner Construct) Construct {
	return &composed{outer: outer, inner: inner}
}

// nextPow2 returns the smallest power of two >= n, for n >= 1.
func nextPow2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func loadToEAX(as *asm.Helper, st Storage, stackOffset int) {
	switch st.Kind {
	case StorageReg:
		if st.Reg != mir.EAX {
			as.Mov(asm.Reg(mir.EAX), asm.Reg(st.Reg))
		}
	case StorageStack:
		as.Mov(asm.Reg(mir.EAX), asm.Mem(mir.ESP, int64(st.Slot+stackOffset)))
	}
}

func finishInEAX(as *asm.Helper, st Storage, stackOffset int) {
	switch st.Kind {
	case StorageReg:
		if st.Reg != mir.EAX {
			as.Mov(asm.Reg(st.Reg), asm.Reg(mir.EAX))
		}
	case StorageStack:
		as.Mov(asm.Mem(mir.ESP, int64(st.Slot+stackOffset)), asm.Reg(mir.EAX))
	}
}

func storeResult(as *asm.Helper, st Storage, stackOffset int, load func(dst asm.Value)) {
	switch st.Kind {
	case StorageReg:
		load(asm.Reg(st.Reg))
	case StorageStack:
		load(asm.Mem(mir.ESP, int64(st.Slot+stackOffset)))
	}
}

func clobberForStorage(st Storage, base []mir.Reg) []mir.Reg {
	if st.Kind == StorageReg {
		base = regUnion(base, []mir.Reg{st.Reg})
	}
	return base
}

func regUnion(a, b []mir.Reg) []mir.Reg {
	seen := make(map[mir.Reg]bool, len(a)+len(b))
	var out []mir.Reg
	for _, rs := range [][]mir.Reg{a, b} {
		for _, r := range rs {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}
