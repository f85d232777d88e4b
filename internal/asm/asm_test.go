package asm

import (
	"strings"
	"testing"

	"ropweave/internal/mir"
)

func TestValueRendering(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Imm(42), "$42"},
		{Imm(-8), "$-8"},
		{Reg(mir.EAX), "%eax"},
		{Sym("memcpy", 0), "$memcpy"},
		{Sym("memcpy", 16), "$(memcpy+16)"},
		{Sym("memcpy", -4), "$(memcpy-4)"},
		{Mem(mir.ESP, 0), "(%esp)"},
		{Mem(mir.ESP, -4), "-4(%esp)"},
		{LabelRef(NewLabel("target"), 0), "$target"},
		{LabelRef(NewLabel("target"), -3), "$(target-3)"},
	}
	for _, tc := range cases {
		if got := tc.v.gas(); got != tc.want {
			t.Errorf("gas() = %q, want %q", got, tc.want)
		}
	}
}

func TestHelperStream(t *testing.T) {
	h := New()
	h.Push(Imm(1))
	h.Mov(Reg(mir.EAX), Imm(7))
	h.Add(Reg(mir.EAX), Reg(mir.EBX))
	h.Lea(mir.ESP, mir.ESP, -12)
	h.Imul(mir.EAX, 3)
	h.Pop(mir.ECX)
	h.Pushf()
	h.Popf()
	h.Ret()

	want := []string{
		"pushl $1",
		"movl $7, %eax",
		"addl %ebx, %eax",
		"leal -12(%esp), %esp",
		"imull $3, %eax, %eax",
		"popl %ecx",
		"pushfl",
		"popfl",
		"ret",
	}
	ops := h.Ops()
	if len(ops) != len(want) {
		t.Fatalf("got %d ops", len(ops))
	}
	for i, w := range want {
		if got := ops[i].GasText(); got != w {
			t.Errorf("op %d = %q, want %q", i, got, w)
		}
	}
}

func TestLabels(t *testing.T) {
	named := NewLabel("resume_f_chain_0")
	if named.Symbol() != "resume_f_chain_0" || named.IsZero() {
		t.Errorf("named label = %q", named.Symbol())
	}

	a, b := NewAnonLabel(), NewAnonLabel()
	if a.Symbol() == b.Symbol() {
		t.Error("anonymous labels must be distinct")
	}
	if !strings.HasPrefix(a.Symbol(), ".Ltmp") {
		t.Errorf("anon symbol = %q", a.Symbol())
	}
	if a.IsZero() {
		t.Error("anon label must not be zero")
	}
	var zero Label
	if !zero.IsZero() {
		t.Error("zero label")
	}

	h := New()
	h.PutLabel(named)
	h.Jne(named)
	if got := h.Ops()[0].GasText(); got != "resume_f_chain_0:" {
		t.Errorf("label def = %q", got)
	}
	if got := h.Ops()[1].GasText(); got != "jne resume_f_chain_0" {
		t.Errorf("branch = %q", got)
	}
}

func TestRawAndEmitted(t *testing.T) {
	h := New()
	h.Raw(".symver printf,printf@GLIBC_2.0")
	h.Ret()

	emitted := h.Emitted()
	if len(emitted) != 2 {
		t.Fatalf("got %d emitted", len(emitted))
	}
	if emitted[0].GasText() != ".symver printf,printf@GLIBC_2.0" {
		t.Errorf("raw = %q", emitted[0].GasText())
	}
}
