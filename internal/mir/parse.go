package mir

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("mir: syntax error")

// Parse reads a textual machine-IR module.
//
// The format is line oriented:
//
//	func <name> [64]
//	block <name>
//	  mov eax, 0x12345678
//	  add eax, 16
//	  mov ebx, $counter+4
//	  je  done
//	  jmp loop
//	block done
//	  ret
//
// Mnemonics are assembly-like and resolved to back-end opcodes from the
// operand kinds. `#` starts a comment. Successor edges are derived from
// jump targets and block fall-through.
func Parse(r io.Reader) ([]*Function, error) {
	var (
		funcs []*Function
		fn    *Function
		blk   *Block
	)
	var fixups []fixup

	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "func":
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: line %d: func needs a name", ErrSyntax, lineno)
			}
			if err := resolveFixups(fn, fixups); err != nil {
				return nil, err
			}
			fixups = fixups[:0]
			fn = NewFunction(fields[1])
			fn.Is64Bit = len(fields) > 2 && fields[2] == "64"
			funcs = append(funcs, fn)
			blk = nil
			continue
		case "block":
			if fn == nil {
				return nil, fmt.Errorf("%w: line %d: block outside func", ErrSyntax, lineno)
			}
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: line %d: block needs a name", ErrSyntax, lineno)
			}
			blk = fn.AddBlock(fields[1])
			continue
		}

		if blk == nil {
			return nil, fmt.Errorf("%w: line %d: instruction outside block", ErrSyntax, lineno)
		}
		in, targetName, err := parseInstr(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineno, err)
		}
		blk.Instrs = append(blk.Instrs, in)
		if targetName != "" {
			fixups = append(fixups, fixup{instr: in, opIdx: 0, name: targetName, line: lineno})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mir: read: %w", err)
	}
	if err := resolveFixups(fn, fixups); err != nil {
		return nil, err
	}

	for _, f := range funcs {
		deriveSuccessors(f)
	}
	return funcs, nil
}

type fixup struct {
	instr *Instr
	opIdx int
	name  string
	line  int
}

func resolveFixups(fn *Function, fixups []fixup) error {
	for _, fx := range fixups {
		target := fn.BlockByName(fx.name)
		if target == nil {
			return fmt.Errorf("%w: line %d: unknown block %q", ErrSyntax, fx.line, fx.name)
		}
		fx.instr.Operands[fx.opIdx] = BlockOp(target)
	}
	return nil
}

func parseInstr(line string) (in *Instr, targetName string, err error) {
	mnemonic, rest, _ := strings.Cut(line, " ")
	var args []string
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, a := range strings.Split(rest, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}

	jumps := map[string]Opcode{
		"jmp": JMP, "je": JE, "jne": JNE, "jl": JL, "jg": JG, "jb": JB, "ja": JA,
	}
	if op, ok := jumps[mnemonic]; ok {
		if len(args) != 1 {
			return nil, "", fmt.Errorf("%s needs a block target", mnemonic)
		}
		// target resolved by fixup after all blocks are known
		return NewInstr(op, Operand{}), args[0], nil
	}

	operands := make([]Operand, len(args))
	for i, a := range args {
		operands[i], err = parseOperand(a)
		if err != nil {
			return nil, "", err
		}
	}

	kinds := func(i int) OperandKind {
		if i < len(operands) {
			return operands[i].Kind
		}
		return OpKindNone
	}
	need := func(op Opcode, n int) (*Instr, string, error) {
		if len(operands) != n {
			return nil, "", fmt.Errorf("%s needs %d operands", mnemonic, n)
		}
		return NewInstr(op, operands...), "", nil
	}

	switch mnemonic {
	case "mov":
		if kinds(1) == OpKindReg {
			return need(MOV32rr, 2)
		}
		return need(MOV32ri, 2)
	case "add":
		if kinds(1) == OpKindReg {
			return need(ADD32rr, 2)
		}
		return need(ADD32ri, 2)
	case "sub":
		if kinds(1) == OpKindReg {
			return need(SUB32rr, 2)
		}
		return need(SUB32ri, 2)
	case "xor":
		return need(XOR32rr, 2)
	case "cmp":
		if kinds(1) == OpKindReg {
			return need(CMP32rr, 2)
		}
		return need(CMP32ri, 2)
	case "test":
		return need(TEST32rr, 2)
	case "push":
		if kinds(0) == OpKindReg {
			return need(PUSH32r, 1)
		}
		return need(PUSH32i, 1)
	case "pop":
		return need(POP32r, 1)
	case "call":
		return need(CALL, 1)
	case "ret":
		return need(RET, 0)
	case "nop":
		return need(NOP, 0)
	case "dbg":
		return NewInstr(DBGVALUE), "", nil
	}
	return nil, "", fmt.Errorf("unknown mnemonic %q", mnemonic)
}

func parseOperand(s string) (Operand, error) {
	if r := RegByName(s); r != RegNone {
		return RegOp(r), nil
	}
	if strings.HasPrefix(s, "$") {
		sym := s[1:]
		var off int64
		if i := strings.IndexByte(sym, '+'); i >= 0 {
			v, err := strconv.ParseInt(sym[i+1:], 0, 64)
			if err != nil {
				return Operand{}, fmt.Errorf("bad symbol offset %q", s)
			}
			sym, off = sym[:i], v
		}
		return SymOp(sym, off), nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return Operand{}, fmt.Errorf("bad operand %q", s)
	}
	return ImmOp(v), nil
}

// deriveSuccessors computes successor edges from terminators and layout.
func deriveSuccessors(fn *Function) {
	for i, blk := range fn.Blocks {
		fallsThrough := true
		for _, in := range blk.Instrs {
			if t := in.Target(); t != nil {
				blk.AddSuccessor(t)
			}
			if in.Op == JMP || in.Op == RET {
				fallsThrough = false
			}
		}
		if fallsThrough && i+1 < len(fn.Blocks) {
			blk.AddSuccessor(fn.Blocks[i+1])
		}
	}
}
