package cascade

import (
	"math"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	w := newWindow(3)
	for _, v := range []float64{1, 2, 3, 4} {
		w.Push(v)
	}
	got := w.Values()
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Values[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if w.Last() != 4 {
		t.Errorf("Last = %v, want 4", w.Last())
	}
	if w.At(2) != 2 {
		t.Errorf("At(2) = %v, want 2", w.At(2))
	}
	if w.At(3) != 0 {
		t.Errorf("At(3) = %v, want 0 past the window", w.At(3))
	}
}

func TestMedianNonZero(t *testing.T) {
	t.Parallel()

	w := newWindow(10)
	for _, v := range []float64{0, 5, 0, 1, 3} {
		w.Push(v)
	}
	if got := w.MedianNonZero(); got != 3 {
		t.Errorf("MedianNonZero = %v, want 3", got)
	}

	even := newWindow(10)
	for _, v := range []float64{2, 4} {
		even.Push(v)
	}
	if got := even.MedianNonZero(); got != 3 {
		t.Errorf("MedianNonZero even = %v, want 3", got)
	}

	zeros := newWindow(4)
	zeros.Push(0)
	if got := zeros.MedianNonZero(); got != 0 {
		t.Errorf("MedianNonZero all-zero = %v, want 0", got)
	}
}

func TestStdDev(t *testing.T) {
	t.Parallel()

	w := newWindow(10)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Push(v)
	}
	if got := w.StdDev(); math.Abs(got-2) > 1e-9 {
		t.Errorf("StdDev = %v, want 2", got)
	}
}

func TestMaxExceptLast(t *testing.T) {
	t.Parallel()

	w := newWindow(5)
	for _, v := range []float64{10, 30, 20, 15} {
		w.Push(v)
	}
	if got := w.MaxExceptLast(); got != 30 {
		t.Errorf("MaxExceptLast = %v, want 30", got)
	}

	single := newWindow(5)
	single.Push(10)
	if got := single.MaxExceptLast(); got != 0 {
		t.Errorf("MaxExceptLast single = %v, want 0", got)
	}
}

func TestIndicatorEdgeCases(t *testing.T) {
	t.Parallel()

	// LQ is 0 when no non-zero notional samples exist.
	empty := newWindow(notionalSamples)
	empty.Push(0)
	if got := lqIndicator(empty); got != 0 {
		t.Errorf("lqIndicator empty = %v, want 0", got)
	}

	// RET is 0 in a quiet market (stddev under the floor).
	quiet := newWindow(returnSamples)
	for i := 0; i < 10; i++ {
		quiet.Push(0)
	}
	if got := retIndicator(quiet); got != 0 {
		t.Errorf("retIndicator quiet = %v, want 0", got)
	}

	// OI collapse is clamped at 0 when OI is rising.
	rising := newWindow(oiSamples)
	for _, v := range []float64{100, 110, 120} {
		rising.Push(v)
	}
	if got := oiIndicator(rising); got != 0 {
		t.Errorf("oiIndicator rising = %v, want 0", got)
	}

	// A 10% collapse from the prior max scores 10.
	collapse := newWindow(oiSamples)
	for _, v := range []float64{100, 95, 90} {
		collapse.Push(v)
	}
	if got := oiIndicator(collapse); math.Abs(got-10) > 1e-9 {
		t.Errorf("oiIndicator collapse = %v, want 10", got)
	}
}
