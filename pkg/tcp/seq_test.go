package tcp

import "testing"

func TestSeqComparisonsWrap(t *testing.T) {
	cases := []struct {
		a, b uint32
		lt   bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{0xffffffff, 0, true},       // wrap boundary
		{0, 0xffffffff, false},      // wrap boundary, reversed
		{0xfffffff0, 0x10, true},    // spans the wrap
		{0x10, 0xfffffff0, false},   // spans the wrap, reversed
		{0x7fffffff, 0x80000000, true},
	}
	for _, tc := range cases {
		if got := seqLT(tc.a, tc.b); got != tc.lt {
			t.Fatalf("seqLT(%#x, %#x) = %v, want %v", tc.a, tc.b, got, tc.lt)
		}
		if got := seqGEQ(tc.a, tc.b); got == tc.lt {
			t.Fatalf("seqGEQ(%#x, %#x) = %v", tc.a, tc.b, got)
		}
	}
	if !seqLEQ(7, 7) || !seqGEQ(7, 7) {
		t.Fatal("equality must satisfy both LEQ and GEQ")
	}
	if seqGT(7, 7) || seqLT(7, 7) {
		t.Fatal("equality must satisfy neither GT nor LT")
	}
}
