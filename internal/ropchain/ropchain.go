// Package ropchain defines the abstract ROP chain representation shared
// by the ropifier and the emission engine: chain elements, the flag-save
// discipline, the chain merge rules and the per-instruction status
// taxonomy.
package ropchain

import (
	"fmt"

	"ropweave/internal/autopsy"
	"ropweave/internal/mir"
)

// FlagSave selects how CPU flags are preserved around a chain.
// The values form a lattice ordered NotSaved < SaveBeforeExec <
// SaveAfterExec; merging two chains joins their modes upward.
type FlagSave uint8

const (
	// NotSaved: the flags are dead across the chain.
	NotSaved FlagSave = iota
	// SaveBeforeExec: flags are pushed before the chain runs and
	// restored together with the saved registers.
	SaveBeforeExec
	// SaveAfterExec: the chain's own code may clobber flags the
	// instruction preserves; the old value is pushed first and popped
	// after the terminal ret.
	SaveAfterExec
)

func (f FlagSave) String() string {
	switch f {
	case NotSaved:
		return "not-saved"
	case SaveBeforeExec:
		return "save-before"
	case SaveAfterExec:
		return "save-after"
	}
	return fmt.Sprintf("flagsave(%d)", uint8(f))
}

// MaxFlagSave joins two flag-save modes on the lattice.
func MaxFlagSave(a, b FlagSave) FlagSave {
	if a > b {
		return a
	}
	return b
}

// ElemKind discriminates Elem.
type ElemKind uint8

const (
	// ImmValue pushes a literal.
	ImmValue ElemKind = iota
	// ImmGlobal pushes the link-time address of a module symbol plus
	// offset.
	ImmGlobal
	// Gadget pushes the address of a library gadget, expressed at
	// lowering time as an anchor symbol plus offset.
	Gadget
	// JmpBlock pushes the label of another basic block, making it a
	// successor of the current one.
	JmpBlock
	// JmpFallthrough pushes the address where ordinary execution
	// resumes after the chain.
	JmpFallthrough
	// EspPush pushes the current stack pointer and records the stack
	// cursor under ID.
	EspPush
	// EspOffset pushes V minus the cursor recorded under ID.
	EspOffset
	// RegValue pushes the value a register holds when the chain is set
	// up.
	RegValue
)

// Elem is one stack slot of an abstract chain.
type Elem struct {
	Kind   ElemKind
	Imm    int64
	Sym    string
	SymOff int64
	Gadget *autopsy.Gadget
	Block  *mir.Block
	Reg    mir.Reg
	ID     uint32
	V      int64
}

func Imm(v int64) Elem                  { return Elem{Kind: ImmValue, Imm: v} }
func Global(sym string, off int64) Elem { return Elem{Kind: ImmGlobal, Sym: sym, SymOff: off} }
func Gad(g *autopsy.Gadget) Elem        { return Elem{Kind: Gadget, Gadget: g} }
func Jmp(b *mir.Block) Elem             { return Elem{Kind: JmpBlock, Block: b} }
func Fallthrough() Elem                 { return Elem{Kind: JmpFallthrough} }
func PushESP(id uint32) Elem            { return Elem{Kind: EspPush, ID: id} }
func OffsetESP(id uint32, v int64) Elem { return Elem{Kind: EspOffset, ID: id, V: v} }
func RegVal(r mir.Reg) Elem             { return Elem{Kind: RegValue, Reg: r} }

// Chain is an ordered list of elements plus its control-flow and
// flag-save attributes. The chain executes in element order: the emitter
// pushes the last element first, so the first element is pushed last and
// consumed first by ret.
type Chain struct {
	Elems         []Elem
	FlagSave      FlagSave
	HasCondJump   bool
	HasUncondJump bool
}

// HasJump reports whether the chain transfers control anywhere other
// than its own fall-through.
func (c *Chain) HasJump() bool { return c.HasCondJump || c.HasUncondJump }

// Valid checks the chain invariants: SaveBeforeExec forbids internal
// jumps, SaveAfterExec allows at most one jump flag, and every
// EspOffset must be preceded by an EspPush with the same id.
func (c *Chain) Valid() bool {
	if c.FlagSave == SaveBeforeExec && c.HasJump() {
		return false
	}
	if c.FlagSave == SaveAfterExec && c.HasCondJump && c.HasUncondJump {
		return false
	}
	seen := make(map[uint32]bool)
	for _, e := range c.Elems {
		switch e.Kind {
		case EspPush:
			seen[e.ID] = true
		case EspOffset:
			if !seen[e.ID] {
				return false
			}
		}
	}
	return true
}

// HasExplicitFallthrough reports whether the chain carries its own
// fall-through slot. The emitter appends one to chains that don't.
func (c *Chain) HasExplicitFallthrough() bool {
	for _, e := range c.Elems {
		if e.Kind == JmpFallthrough {
			return true
		}
	}
	return false
}

// CanMerge reports whether c can absorb other. Two chains merge only
// when neither contains a jump and neither places its own fall-through
// slot: concatenation would leave that slot mid chain, diverting
// execution before the appended elements run.
func (c *Chain) CanMerge(other *Chain) bool {
	return !c.HasJump() && !other.HasJump() &&
		!c.HasExplicitFallthrough() && !other.HasExplicitFallthrough()
}

// Merge appends other's elements to c and joins the flag-save modes.
// The caller must have checked CanMerge.
func (c *Chain) Merge(other *Chain) {
	c.Elems = append(c.Elems, other.Elems...)
	c.FlagSave = MaxFlagSave(c.FlagSave, other.FlagSave)
}

// Status is the outcome of ropifying one instruction.
type Status uint8

const (
	OK Status = iota
	ErrNotImplemented
	ErrNoRegisterAvailable
	ErrNoGadgetsAvailable
	ErrUnsupported
	ErrUnsupportedStackPointer

	NumStatus = int(ErrUnsupportedStackPointer) + 1
)

var statusNames = [...]string{
	OK:                         "ropfuscated",
	ErrNotImplemented:          "not-implemented",
	ErrNoRegisterAvailable:     "no-register",
	ErrNoGadgetsAvailable:      "no-gadget",
	ErrUnsupported:             "unsupported",
	ErrUnsupportedStackPointer: "unsupported-esp",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}
