package mathx

import "testing"

func TestDeterminism(t *testing.T) {
	a, b := New(42), New(42)
	for i := 0; i < 16; i++ {
		if va, vb := a.Uint32(), b.Uint32(); va != vb {
			t.Fatalf("draw %d: %d != %d", i, va, vb)
		}
	}
}

func TestOddUint32(t *testing.T) {
	s := New(1)
	for i := 0; i < 100; i++ {
		if v := s.OddUint32(); v&1 == 0 {
			t.Fatalf("even value %d", v)
		}
	}
}

func TestSampleUint64s(t *testing.T) {
	in := []uint64{10, 20, 30, 40, 50, 60, 70, 80}
	s := New(7)

	for k := 1; k <= len(in); k++ {
		out := s.SampleUint64s(in, k)
		if len(out) != k {
			t.Fatalf("k=%d: got %d elements", k, len(out))
		}

		// distinct elements of in, in input order
		pos := -1
		for _, v := range out {
			found := -1
			for i, orig := range in {
				if orig == v {
					found = i
					break
				}
			}
			if found < 0 {
				t.Fatalf("k=%d: %d not in input", k, v)
			}
			if found <= pos {
				t.Fatalf("k=%d: output not in input order: %v", k, out)
			}
			pos = found
		}
	}
}

func TestSampleUint64s_KLargerThanInput(t *testing.T) {
	in := []uint64{1, 2, 3}
	out := New(3).SampleUint64s(in, 10)
	if len(out) != 3 {
		t.Fatalf("got %d elements", len(out))
	}
	for i, v := range out {
		if v != in[i] {
			t.Errorf("out[%d] = %d", i, v)
		}
	}
	// the input slice itself is untouched
	out[0] = 99
	if in[0] != 1 {
		t.Error("input aliased by output")
	}
}

func TestModInverse32(t *testing.T) {
	for _, a := range []uint32{1, 3, 0x10001, 0xdeadbeef, 0xffffffff} {
		inv := ModInverse32(a)
		if a*inv != 1 {
			t.Errorf("ModInverse32(%#x) = %#x, product %#x", a, inv, a*inv)
		}
	}
}
