package weaver

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ropweave/internal/autopsy"
	"ropweave/internal/config"
	"ropweave/internal/mathx"
	"ropweave/internal/mir"
)

// testOracle returns an oracle with one known offset per gadget relative
// to the single anchor symbol at 0x1000.
func testOracle(syms ...*autopsy.Symbol) *autopsy.Autopsy {
	gadgets := map[string][]uint64{
		"pop ebx; ret":      {0x1004},
		"pop ecx; ret":      {0x1008},
		"pop esi; ret":      {0x100c},
		"add ebx, ecx; ret": {0x1010},
	}
	if len(syms) == 0 {
		syms = []*autopsy.Symbol{{Label: "exit", Version: "Base", Address: 0x1000}}
	}
	return autopsy.NewStatic(gadgets, syms, mathx.New(7))
}

func parseFn(t *testing.T, src string) *mir.Function {
	t.Helper()
	fns, err := mir.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	return fns[0]
}

func emittedTexts(es []mir.Emitted) []string {
	var out []string
	for _, e := range es {
		out = append(out, e.GasText())
	}
	return out
}

func allEmitted(fn *mir.Function) []string {
	var out []string
	for _, blk := range fn.Blocks {
		out = append(out, emittedTexts(blk.Head)...)
		for _, in := range blk.Instrs {
			out = append(out, emittedTexts(in.Pre)...)
		}
		out = append(out, emittedTexts(blk.Tail)...)
	}
	return out
}

func labeledConfig() *config.Config {
	cfg := config.Default()
	cfg.Global.UseChainLabel = true
	return cfg
}

func TestObfuscate_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Global.ObfuscationEnabled = false
	wv := New(cfg, testOracle(), mathx.New(1))

	fn := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Processed != 0 || rep.Obfuscated != 0 || rep.Chains != 0 {
		t.Errorf("report = %+v", rep)
	}
	if len(fn.Blocks[0].Instrs) != 2 {
		t.Error("disabled run must not touch the function")
	}

	// per-function sections disable independently of the global switch
	cfg2 := config.Default()
	off := config.DefaultParameter()
	off.ObfuscationEnabled = false
	cfg2.Functions = map[string]config.Parameter{"f": off}
	wv2 := New(cfg2, testOracle(), mathx.New(1))
	fn2 := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	if rep, _ := wv2.ObfuscateFunction(fn2); rep.Chains != 0 {
		t.Errorf("function section off, report = %+v", rep)
	}
}

func TestObfuscate_Not32Bit(t *testing.T) {
	wv := New(config.Default(), testOracle(), mathx.New(1))
	fn := parseFn(t, "func f 64\nblock entry\nret\n")
	if _, err := wv.ObfuscateFunction(fn); !errors.Is(err, ErrNot32Bit) {
		t.Errorf("err = %v", err)
	}
}

func TestObfuscate_MergedRun(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, `
func f
block entry
  mov ebx, 1
  add ebx, 8
  ret
`)
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Processed != 3 || rep.Obfuscated != 2 || rep.Chains != 1 {
		t.Errorf("report = %+v", rep)
	}

	blk := fn.Blocks[0]
	if len(blk.Instrs) != 1 || blk.Instrs[0].Op != mir.RET {
		t.Fatalf("ropified run must be erased, left %d instrs", len(blk.Instrs))
	}

	// the add does not outlive its own flag definition, so the merged
	// chain needs no flag save at all
	want := []string{
		"f_chain_0:",
		"pushl $resume_f_chain_0",
		"pushl $(exit+16)",
		"pushl $8",
		"pushl $(exit+8)",
		"pushl $1",
		"pushl $(exit+4)",
		"ret",
		"resume_f_chain_0:",
	}
	got := emittedTexts(blk.Instrs[0].Pre)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
}

func TestObfuscate_FlagRestore(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	if _, err := wv.ObfuscateFunction(fn); err != nil {
		t.Fatal(err)
	}

	// no flag writer follows the mov, so the flags are stashed below the
	// chain and restored once it has run
	want := []string{
		"f_chain_0:",
		"pushfl",
		"pushl $resume_f_chain_0",
		"pushl $1",
		"pushl $(exit+4)",
		"ret",
		"resume_f_chain_0:",
		"popfl",
	}
	got := emittedTexts(fn.Blocks[0].Instrs[0].Pre)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
}

func TestObfuscate_ResumeInNextBlock(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, `
func f
block top
  add ebx, 8
block bottom
  ret
`)
	if _, err := wv.ObfuscateFunction(fn); err != nil {
		t.Fatal(err)
	}

	top, bottom := fn.Blocks[0], fn.Blocks[1]
	if len(top.Instrs) != 0 {
		t.Fatalf("top block keeps %d instrs", len(top.Instrs))
	}

	// the run ends the block: the resume label lands at the head of the
	// layout successor instead of after the ret
	want := []string{
		"f_chain_0:",
		"pushl $resume_f_chain_0",
		"pushl $(exit+16)",
		"pushl $8",
		"pushl $(exit+8)",
		"ret",
	}
	if diff := cmp.Diff(want, emittedTexts(top.Tail)); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	head := emittedTexts(bottom.Head)
	if len(head) != 1 || head[0] != "resume_f_chain_0:" {
		t.Errorf("successor head = %v", head)
	}
}

func TestObfuscate_NoLayoutSuccessor(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, "func f\nblock entry\n  add ebx, 8\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Processed != 1 || rep.Obfuscated != 1 || rep.Chains != 1 {
		t.Errorf("report = %+v", rep)
	}

	blk := fn.Blocks[0]
	if len(blk.Instrs) != 0 {
		t.Fatalf("block keeps %d instrs", len(blk.Instrs))
	}

	// the run ends the function with nowhere to fall through, so the
	// slot degrades to a zero push and no resume label is emitted
	want := []string{
		"f_chain_0:",
		"pushl $0",
		"pushl $(exit+16)",
		"pushl $8",
		"pushl $(exit+8)",
		"ret",
	}
	if diff := cmp.Diff(want, emittedTexts(blk.Tail)); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
	for _, text := range allEmitted(fn) {
		if strings.Contains(text, "resume") {
			t.Errorf("unexpected resume label %q", text)
		}
	}
}

func TestObfuscate_PushTrailingValue(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, "func f\nblock entry\n  push 7\n  ret\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Processed != 2 || rep.Obfuscated != 1 || rep.Chains != 1 {
		t.Errorf("report = %+v", rep)
	}

	// the pushed value is the deepest slot and survives the terminal
	// ret; the flags ride with the saved registers because a restore
	// after execution would pop the value instead
	want := []string{
		"leal -8(%esp), %esp",
		"pushfl",
		"leal 12(%esp), %esp",
		"f_chain_0:",
		"pushl $7",
		"pushl $resume_f_chain_0",
		"leal -4(%esp), %esp",
		"popfl",
		"ret",
		"resume_f_chain_0:",
	}
	got := emittedTexts(fn.Blocks[0].Instrs[0].Pre)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
}

func TestObfuscate_PushNeverMerges(t *testing.T) {
	wv := New(labeledConfig(), testOracle(), mathx.New(1))
	fn := parseFn(t, "func f\nblock entry\n  push 7\n  mov ebx, 1\n  ret\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	// the push chain carries its own fall-through slot, so the mov
	// starts a fresh chain instead of merging
	if rep.Processed != 3 || rep.Obfuscated != 2 || rep.Chains != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestObfuscate_SymverOnce(t *testing.T) {
	oracle := testOracle(&autopsy.Symbol{Label: "printf", Version: "GLIBC_2.0", Address: 0x1000})
	wv := New(config.Default(), oracle, mathx.New(1))
	fn := parseFn(t, `
func f
block a
  mov ebx, 1
  ret
block b
  mov ebx, 2
  ret
`)
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Chains != 2 {
		t.Fatalf("report = %+v", rep)
	}

	const directive = ".symver printf,printf@GLIBC_2.0"
	var n int
	for _, text := range allEmitted(fn) {
		if text == directive {
			n++
		}
	}
	if n != 1 {
		t.Errorf("symver emitted %d times", n)
	}
	if got := emittedTexts(fn.Blocks[0].Instrs[0].Pre)[0]; got != directive {
		t.Errorf("directive must precede the first reference, got %q", got)
	}
}

func TestObfuscate_KeepsUntranslatable(t *testing.T) {
	wv := New(config.Default(), testOracle(), mathx.New(1))
	fn := parseFn(t, `
func f
block entry
  mov esp, 1
  mov ebx, 1
  ret
`)
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Processed != 3 || rep.Obfuscated != 1 || rep.Chains != 1 {
		t.Errorf("report = %+v", rep)
	}

	blk := fn.Blocks[0]
	if len(blk.Instrs) != 2 || blk.Instrs[0].Op != mir.MOV32ri || blk.Instrs[1].Op != mir.RET {
		t.Fatalf("kept instrs = %v", blk.Instrs)
	}

	var sb strings.Builder
	if err := wv.Stats().WriteTable(&sb); err != nil {
		t.Fatal(err)
	}
	table := sb.String()
	if !strings.Contains(table, "op-id\top-name\tropfuscated\tnot-implemented") {
		t.Errorf("table header:\n%s", table)
	}
	// MOV32ri: one ropfuscated, one unsupported-esp
	if !strings.Contains(table, "MOV32ri\t1\t0\t0\t0\t0\t1\t2") {
		t.Errorf("MOV32ri row missing:\n%s", table)
	}
	if !strings.Contains(table, "RET\t0\t1\t0\t0\t0\t0\t1") {
		t.Errorf("RET row missing:\n%s", table)
	}
}

func TestObfuscate_NoGadgets(t *testing.T) {
	oracle := autopsy.NewStatic(nil, []*autopsy.Symbol{{Label: "exit", Version: "Base", Address: 0x1000}}, mathx.New(1))
	wv := New(config.Default(), oracle, mathx.New(1))
	fn := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Obfuscated != 0 || rep.Chains != 0 {
		t.Errorf("report = %+v", rep)
	}
	if len(fn.Blocks[0].Instrs) != 2 {
		t.Error("instrs must survive a dry oracle")
	}
}

func TestObfuscate_OpaquePushes(t *testing.T) {
	cfg := labeledConfig()
	cfg.Default.OpaquePredicateEnabled = true
	wv := New(cfg, testOracle(), mathx.New(99))
	fn := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	if _, err := wv.ObfuscateFunction(fn); err != nil {
		t.Fatal(err)
	}

	ops := emittedTexts(fn.Blocks[0].Instrs[0].Pre)

	// the generators clobber EAX, which is live, so it is stashed above
	// the reserved chain slots before the chain is built
	prologue := []string{"leal -16(%esp), %esp", "pushl %eax", "leal 20(%esp), %esp", "f_chain_0:", "pushfl"}
	if diff := cmp.Diff(prologue, ops[:5]); diff != "" {
		t.Errorf("prologue mismatch (-want +got):\n%s", diff)
	}
	epilogue := []string{"leal -4(%esp), %esp", "popl %eax", "ret", "resume_f_chain_0:", "popfl"}
	if diff := cmp.Diff(epilogue, ops[len(ops)-5:]); diff != "" {
		t.Errorf("epilogue mismatch (-want +got):\n%s", diff)
	}

	var eaxPushes int
	for _, op := range ops {
		if op == "pushl $1" {
			t.Error("immediate must not appear in the clear")
		}
		if op == "pushl %eax" {
			eaxPushes++
		}
	}
	// one stash push, three disguised slot pushes
	if eaxPushes != 4 {
		t.Errorf("eax pushes = %d in %v", eaxPushes, ops)
	}
}

func TestObfuscate_BranchDivergence(t *testing.T) {
	gadgets := map[string][]uint64{
		"pop ebx; ret": {0x1004, 0x1008, 0x100c},
	}
	syms := []*autopsy.Symbol{{Label: "exit", Version: "Base", Address: 0x1000}}
	oracle := autopsy.NewStatic(gadgets, syms, mathx.New(3))

	cfg := config.Default()
	cfg.Default.OpaquePredicateEnabled = true
	cfg.Default.BranchDivergenceEnabled = true
	cfg.Default.BranchDivergenceMax = 8

	wv := New(cfg, oracle, mathx.New(3))
	fn := parseFn(t, "func f\nblock entry\nmov ebx, 1\nret\n")
	rep, err := wv.ObfuscateFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Chains != 1 {
		t.Fatalf("report = %+v", rep)
	}

	// three gadget copies survive the branch cap of eight, so the slot
	// value is selected by a three way adjustor ladder
	var cmps int
	for _, op := range allEmitted(fn) {
		if strings.HasPrefix(op, "cmpl") {
			cmps++
		}
	}
	if cmps < 2 {
		t.Errorf("expected an adjustor ladder, got %d compares", cmps)
	}
}

func TestChainLabelName(t *testing.T) {
	if got := chainLabelName("f", 3); got != "f_chain_3" {
		t.Errorf("got %q", got)
	}
	// assembler labels cannot carry the mangling dollar
	if got := chainLabelName("_Z3foo$v", 0); got != "_Z3foo_v_chain_0" {
		t.Errorf("got %q", got)
	}
}
