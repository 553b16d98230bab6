package seq

import "testing"

const m32 = uint64(1) << 32

func TestStep(t *testing.T) {
	if got := Step(0, m32); got != 1 {
		t.Fatalf("Step(0) = %d, want 1", got)
	}
	if got := Step(0xFFFFFFFF, m32); got != 0 {
		t.Fatalf("Step(max) = %d, want 0 (wrap)", got)
	}
	if got := Step(15, 16); got != 0 {
		t.Fatalf("Step(15, m=16) = %d, want 0", got)
	}
}

func TestDiffForward(t *testing.T) {
	cases := []struct{ a, b uint32; m uint64; want uint64 }{
		{0, 5, m32, 5},
		{5, 0, m32, m32 - 5},
		{14, 2, 16, 4}, // wraps 14,15,0,1,2
		{2, 14, 16, 12},
	}
	for _, c := range cases {
		if got := DiffForward(c.a, c.b, c.m); got != c.want {
			t.Errorf("DiffForward(%d,%d,%d) = %d, want %d", c.a, c.b, c.m, got, c.want)
		}
	}
}

func TestIsBefore(t *testing.T) {
	if !IsBefore(0, 5, m32) {
		t.Error("0 should precede 5")
	}
	if IsBefore(5, 0, m32) {
		t.Error("5 should not precede 0 over full uint32 space")
	}
	if IsBefore(10, 10, m32) {
		t.Error("equal values never precede")
	}
	// wrap case: 14 precedes 2 under modulus 16
	if !IsBefore(14, 2, 16) {
		t.Error("14 should precede 2 mod 16 (wraps)")
	}
}

func TestDistance(t *testing.T) {
	if got := Distance(0, 5, m32); got != 5 {
		t.Errorf("Distance(0,5) = %d, want 5", got)
	}
	if got := Distance(5, 0, m32); got != 5 {
		t.Errorf("Distance(5,0) = %d, want 5", got)
	}
}

func TestIsCycle(t *testing.T) {
	if !IsCycle(14, 2, 16) {
		t.Error("14,2 mod 16 should be a cycle")
	}
	if IsCycle(2, 14, 16) {
		t.Error("2,14 mod 16 should not be a cycle (first < last)")
	}
	if IsCycle(9, 1, 16) {
		t.Error("9,1 mod 16: distance 8 is not > half (8), should not be a cycle")
	}
}

func TestInCyclicRange(t *testing.T) {
	if !InCyclicRange(100, 103, 102, m32) {
		t.Error("102 should be within [100,103]")
	}
	if InCyclicRange(100, 103, 104, m32) {
		t.Error("104 should be outside [100,103]")
	}
	// wraparound range
	if !InCyclicRange(14, 2, 0, 16) {
		t.Error("0 should be within wrapped range [14,2] mod 16")
	}
	if InCyclicRange(14, 2, 5, 16) {
		t.Error("5 should be outside wrapped range [14,2] mod 16")
	}
}
