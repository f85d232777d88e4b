// Package autopsy analyzes a 32-bit x86 shared library and exposes the
// two things chain construction needs: exported dynamic symbols usable
// as link-time anchors, and ret-terminated gadgets found in the
// library's executable code.
package autopsy

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"ropweave/internal/mathx"
	"ropweave/internal/mir"
)

var (
	ErrNotELF    = errors.New("autopsy: not an ELF file")
	ErrNot32Bit  = errors.New("autopsy: not 32-bit ELF")
	ErrNotX86    = errors.New("autopsy: not x86 (EM_386)")
	ErrNotShared = errors.New("autopsy: not a shared object")
	ErrNoLibc    = errors.New("autopsy: libc.so.6 not found in standard locations")
	ErrNoSymbols = errors.New("autopsy: no usable anchor symbols")
	ErrNoCode    = errors.New("autopsy: no executable code to scan")
)

// libcDirs is probed in order when no library path is configured.
var libcDirs = []string{
	"/lib/i386-linux-gnu",
	"/usr/lib/i386-linux-gnu",
	"/lib32",
	"/usr/lib32",
	"/usr/local/lib",
	"/lib",
	"/usr/lib",
}

// FindLibc returns the first regular file named libc.so.6 in the fixed
// directory probe order. Directories are not searched recursively.
func FindLibc() (string, error) {
	for _, dir := range libcDirs {
		path := filepath.Join(dir, "libc.so.6")
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return path, nil
	}
	return "", ErrNoLibc
}

// Symbol is one exported dynamic symbol usable as a gadget anchor.
type Symbol struct {
	Label   string
	Version string
	Address uint64

	used bool
}

// Used reports whether a symver directive has already been emitted for
// the symbol. The flag is set-once.
func (s *Symbol) Used() bool { return s.used }

// MarkUsed records that the symbol's symver directive has been emitted.
func (s *Symbol) MarkUsed() { s.used = true }

// IsVersioned reports whether the symbol carries a non-default version
// and therefore needs a .symver directive before first use.
func (s *Symbol) IsVersioned() bool {
	return s.Version != "" && s.Version != "Base"
}

// SymverDirective returns the assembler directive binding the symbol
// name to its version, preventing aliasing when the library exports
// several symbols under the same name.
func (s *Symbol) SymverDirective() string {
	return fmt.Sprintf(".symver %s,%s@%s", s.Label, s.Label, s.Version)
}

// Gadget is a short ret-terminated instruction sequence, identified by
// its canonical text. The same text commonly occurs at many addresses.
type Gadget struct {
	Text      string
	Addresses []uint64
}

// Options controls how the library is scanned.
type Options struct {
	// SearchSegment scans all executable PT_LOAD segments instead of
	// only sections marked SHF_EXECINSTR.
	SearchSegment bool
	// AvoidMultiversion drops anchor symbols whose name is exported
	// under more than one version.
	AvoidMultiversion bool
}

// Autopsy is the gadget and symbol oracle over one analyzed library.
// Construction is the expensive part; queries are read-only except for
// the set-once used flag on symbols.
type Autopsy struct {
	Path string

	symbols []*Symbol
	gadgets map[string]*Gadget
	rng     *mathx.Source
}

// Open analyzes the shared library at path.
func Open(path string, opts Options, rng *mathx.Source) (*Autopsy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("autopsy: open: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS32 {
		return nil, ErrNot32Bit
	}
	if ef.Machine != elf.EM_386 {
		return nil, ErrNotX86
	}
	if ef.Type != elf.ET_DYN {
		return nil, ErrNotShared
	}

	a := &Autopsy{Path: path, gadgets: make(map[string]*Gadget), rng: rng}
	if err := a.loadSymbols(ef, opts.AvoidMultiversion); err != nil {
		return nil, err
	}
	if err := a.scanGadgets(ef, opts.SearchSegment); err != nil {
		return nil, err
	}
	return a, nil
}

// NewStatic builds an oracle from a fixed gadget table and anchor
// symbol list without scanning a library. Queries behave exactly as on
// an opened library.
func NewStatic(gadgets map[string][]uint64, symbols []*Symbol, rng *mathx.Source) *Autopsy {
	a := &Autopsy{Path: "static", gadgets: make(map[string]*Gadget, len(gadgets)), rng: rng}
	for text, addrs := range gadgets {
		a.gadgets[text] = &Gadget{Text: text, Addresses: append([]uint64(nil), addrs...)}
	}
	a.symbols = append(a.symbols, symbols...)
	return a
}

func (a *Autopsy) loadSymbols(ef *elf.File, avoidMultiversion bool) error {
	syms, err := ef.DynamicSymbols()
	if err != nil {
		return fmt.Errorf("autopsy: dynsym: %w", err)
	}

	versions := make(map[string]map[string]bool)
	for _, s := range syms {
		if !anchorCandidate(s) {
			continue
		}
		if versions[s.Name] == nil {
			versions[s.Name] = make(map[string]bool)
		}
		versions[s.Name][s.Version] = true
	}

	for _, s := range syms {
		if !anchorCandidate(s) {
			continue
		}
		if avoidMultiversion && len(versions[s.Name]) > 1 {
			continue
		}
		version := s.Version
		if version == "" {
			version = "Base"
		}
		a.symbols = append(a.symbols, &Symbol{
			Label:   s.Name,
			Version: version,
			Address: s.Value,
		})
	}
	if len(a.symbols) == 0 {
		return ErrNoSymbols
	}
	return nil
}

func anchorCandidate(s elf.Symbol) bool {
	if s.Section == elf.SHN_UNDEF || s.Value == 0 {
		return false
	}
	if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
		return false
	}
	if elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
		return false
	}
	return elf.ST_VISIBILITY(s.Other) == elf.STV_DEFAULT
}

// codeRange is one span of executable bytes at a known virtual address.
type codeRange struct {
	addr uint64
	data []byte
}

func (a *Autopsy) scanGadgets(ef *elf.File, searchSegment bool) error {
	var ranges []codeRange
	if searchSegment {
		for _, p := range ef.Progs {
			if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
				continue
			}
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return fmt.Errorf("autopsy: read segment: %w", err)
			}
			ranges = append(ranges, codeRange{addr: p.Vaddr, data: data})
		}
	} else {
		for _, sec := range ef.Sections {
			if sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Type == elf.SHT_NOBITS {
				continue
			}
			data, err := sec.Data()
			if err != nil {
				return fmt.Errorf("autopsy: read section %s: %w", sec.Name, err)
			}
			ranges = append(ranges, codeRange{addr: sec.Addr, data: data})
		}
	}
	if len(ranges) == 0 {
		return ErrNoCode
	}

	for _, cr := range ranges {
		a.scanRange(cr)
	}
	return nil
}

// maxGadgetBytes bounds how far back from a ret the scan looks for the
// start of a one-instruction gadget.
const maxGadgetBytes = 8

// scanRange finds every `<instr>; ret` pair in the range. For each ret
// byte it tries all starts within maxGadgetBytes and keeps those where
// a single decoded instruction ends exactly at the ret.
func (a *Autopsy) scanRange(cr codeRange) {
	for i, b := range cr.data {
		if b != 0xc3 {
			continue
		}
		for back := 1; back <= maxGadgetBytes && back <= i; back++ {
			start := i - back
			inst, err := x86asm.Decode(cr.data[start:i], 32)
			if err != nil || inst.Len != back {
				continue
			}
			if !usefulGadgetHead(inst) {
				continue
			}
			text := strings.ToLower(x86asm.IntelSyntax(inst, 0, nil)) + "; ret"
			g := a.gadgets[text]
			if g == nil {
				g = &Gadget{Text: text}
				a.gadgets[text] = g
			}
			g.Addresses = append(g.Addresses, cr.addr+uint64(start))
		}
	}
}

// usefulGadgetHead filters out heads that would not form a well defined
// gadget: control transfers, privileged instructions and prefixes the
// chain builder never asks for.
func usefulGadgetHead(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP,
		x86asm.INT, x86asm.HLT, x86asm.LEAVE:
		return false
	}
	return inst.Op != 0
}

// Lookup returns the gadget with the exact canonical text, or nil.
func (a *Autopsy) Lookup(text string) *Gadget {
	return a.gadgets[text]
}

// NumGadgets returns the number of distinct gadget texts found.
func (a *Autopsy) NumGadgets() int { return len(a.gadgets) }

// Gadgets calls fn for every distinct gadget in unspecified order.
func (a *Autopsy) Gadgets(fn func(*Gadget)) {
	for _, g := range a.gadgets {
		fn(g)
	}
}

// PopReg returns a `pop r; ret` gadget, or nil.
func (a *Autopsy) PopReg(r mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("pop %s; ret", r))
}

// MovRegReg returns a `mov dst, src; ret` gadget, or nil.
func (a *Autopsy) MovRegReg(dst, src mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("mov %s, %s; ret", dst, src))
}

// AddRegReg returns an `add dst, src; ret` gadget, or nil.
func (a *Autopsy) AddRegReg(dst, src mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("add %s, %s; ret", dst, src))
}

// SubRegReg returns a `sub dst, src; ret` gadget, or nil.
func (a *Autopsy) SubRegReg(dst, src mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("sub %s, %s; ret", dst, src))
}

// XchgRegReg returns an `xchg dst, src; ret` gadget in either operand
// order, or nil.
func (a *Autopsy) XchgRegReg(dst, src mir.Reg) *Gadget {
	if g := a.Lookup(fmt.Sprintf("xchg %s, %s; ret", dst, src)); g != nil {
		return g
	}
	return a.Lookup(fmt.Sprintf("xchg %s, %s; ret", src, dst))
}

// CMovCC returns a `cmov<cc> dst, src; ret` gadget, or nil.
func (a *Autopsy) CMovCC(cc string, dst, src mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("cmov%s %s, %s; ret", cc, dst, src))
}

// PushReg returns a `push r; ret` gadget (an indirect jump through r),
// or nil.
func (a *Autopsy) PushReg(r mir.Reg) *Gadget {
	return a.Lookup(fmt.Sprintf("push %s; ret", r))
}

// GetRandomSymbol picks a uniformly random anchor symbol.
func (a *Autopsy) GetRandomSymbol() *Symbol {
	return a.symbols[a.rng.Intn(len(a.symbols))]
}

// NumSymbols returns the number of anchor symbols.
func (a *Autopsy) NumSymbols() int { return len(a.symbols) }
