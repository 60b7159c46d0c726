package cascade

import (
	"math"
	"sort"
)

// window is a fixed-capacity ring of float64 samples. Oldest samples are
// overwritten once the ring is full.
type window struct {
	buf  []float64
	head int
	n    int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (w *window) Push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

// Len returns the number of samples currently held.
func (w *window) Len() int { return w.n }

// Values returns the samples oldest-first.
func (w *window) Values() []float64 {
	out := make([]float64, 0, w.n)
	start := w.head - w.n
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < w.n; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

// Last returns the newest sample, or 0 when empty.
func (w *window) Last() float64 {
	if w.n == 0 {
		return 0
	}
	idx := w.head - 1
	if idx < 0 {
		idx += len(w.buf)
	}
	return w.buf[idx]
}

// At returns the sample k positions back from the newest (At(0) == Last).
// Returns 0 when the window has fewer than k+1 samples.
func (w *window) At(k int) float64 {
	if k >= w.n {
		return 0
	}
	idx := w.head - 1 - k
	for idx < 0 {
		idx += len(w.buf)
	}
	return w.buf[idx]
}

// Sum returns the sum of all samples.
func (w *window) Sum() float64 {
	var s float64
	for _, v := range w.Values() {
		s += v
	}
	return s
}

// SumAbs returns the sum of absolute values.
func (w *window) SumAbs() float64 {
	var s float64
	for _, v := range w.Values() {
		s += math.Abs(v)
	}
	return s
}

// MedianNonZero returns the median of the non-zero samples, or 0 when none.
func (w *window) MedianNonZero() float64 {
	var nz []float64
	for _, v := range w.Values() {
		if v != 0 {
			nz = append(nz, v)
		}
	}
	if len(nz) == 0 {
		return 0
	}
	sort.Float64s(nz)
	mid := len(nz) / 2
	if len(nz)%2 == 1 {
		return nz[mid]
	}
	return (nz[mid-1] + nz[mid]) / 2
}

// StdDev returns the population standard deviation of the samples.
func (w *window) StdDev() float64 {
	if w.n == 0 {
		return 0
	}
	vals := w.Values()
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance)
}

// MaxExceptLast returns the maximum over all samples but the newest, or 0
// when fewer than two samples exist.
func (w *window) MaxExceptLast() float64 {
	if w.n < 2 {
		return 0
	}
	vals := w.Values()
	max := vals[0]
	for _, v := range vals[:len(vals)-1] {
		if v > max {
			max = v
		}
	}
	return max
}
