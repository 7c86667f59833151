package dsp

import (
	"math"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](4)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	if r.Count() != 4 {
		t.Fatalf("count = %d, want 4", r.Count())
	}
	want := []int{1, 2, 3, 4}
	for i, w := range want {
		if got := r.At(i); got != w {
			t.Errorf("At(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestRingOrderAfterManyWraps(t *testing.T) {
	const capacity = 16
	r := NewRing[int](capacity)
	for i := 0; i < capacity*3+7; i++ {
		r.Push(i)
	}
	newest := capacity*3 + 6
	for i := 0; i < capacity; i++ {
		want := newest - (capacity - 1) + i
		if got := r.At(i); got != want {
			t.Fatalf("At(%d) = %d, want %d", i, got, want)
		}
	}
	if got := r.Latest(0); got != newest {
		t.Errorf("Latest(0) = %d, want %d", got, newest)
	}
	if got := r.Latest(capacity - 1); got != newest-capacity+1 {
		t.Errorf("Latest(cap-1) = %d, want %d", got, newest-capacity+1)
	}
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing[float64](8)
	r.Push(1.5)
	r.Push(2.5)
	if r.Full() {
		t.Fatal("ring reported full after 2 of 8 pushes")
	}
	if got := r.At(0); got != 1.5 {
		t.Errorf("At(0) = %v, want 1.5", got)
	}
	if got := r.Latest(0); got != 2.5 {
		t.Errorf("Latest(0) = %v, want 2.5", got)
	}
}

func TestRingCopyTo(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	dst := make([]int, 3)
	n := r.CopyTo(dst)
	if n != 3 {
		t.Fatalf("CopyTo wrote %d, want 3", n)
	}
	want := []int{3, 4, 5}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing[int](4)
	r.Push(9)
	r.Reset()
	if r.Count() != 0 {
		t.Fatalf("count after reset = %d, want 0", r.Count())
	}
	r.Push(1)
	if got := r.At(0); got != 1 {
		t.Errorf("At(0) after reset = %d, want 1", got)
	}
}

func TestRingAtPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range index")
		}
	}()
	r := NewRing[int](2)
	r.Push(1)
	r.At(1)
}

func TestClamp01(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-0.5, 0}, {0, 0}, {0.25, 0.25}, {1, 1}, {3.7, 1},
	}
	for _, c := range cases {
		if got := Clamp01(c.in); got != c.want {
			t.Errorf("Clamp01(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFinite(t *testing.T) {
	if got := Finite(math.NaN()); got != 0 {
		t.Errorf("Finite(NaN) = %v, want 0", got)
	}
	if got := Finite(math.Inf(1)); got != 0 {
		t.Errorf("Finite(+Inf) = %v, want 0", got)
	}
	if got := Finite(-2.5); got != -2.5 {
		t.Errorf("Finite(-2.5) = %v, want -2.5", got)
	}
}

func TestWrapPi(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{math.Pi + 0.1, -math.Pi + 0.1},
		{-math.Pi - 0.1, math.Pi - 0.1},
		{5 * math.Pi, math.Pi},
	}
	for _, c := range cases {
		if got := WrapPi(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("WrapPi(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSmoothingFactor(t *testing.T) {
	// Small ratios use the linear approximation.
	if got := SmoothingFactor(0.016, 0.8); got != 0.016/0.8 {
		t.Errorf("SmoothingFactor small ratio = %v", got)
	}
	// Large ratios saturate toward 1.
	if got := SmoothingFactor(4, 0.5); got < 0.99 {
		t.Errorf("SmoothingFactor large ratio = %v, want near 1", got)
	}
	if got := SmoothingFactor(1, 0); got != 1 {
		t.Errorf("SmoothingFactor zero tau = %v, want 1", got)
	}
}

func TestMedian(t *testing.T) {
	scratch := make([]float64, 8)
	vals := []float64{5, 1, 4, 2, 3}
	if got := Median(vals, scratch); got != 3 {
		t.Errorf("Median = %v, want 3", got)
	}
	// Input order preserved.
	if vals[0] != 5 || vals[4] != 3 {
		t.Error("Median mutated its input")
	}
	if got := Median(nil, scratch); got != 0 {
		t.Errorf("Median(nil) = %v, want 0", got)
	}
}
