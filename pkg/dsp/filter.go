// Package dsp implements the digital filtering and peak detection used by the
// step detector: a direct-form IIR filter, a zero-phase forward/backward
// variant and a hysteresis based extremum detector.
package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ContractError is raised (via panic) when a caller violates the
// preconditions of FiltFilt. It is a programming error, not a runtime
// condition; use CanFiltFilt to validate input first.
type ContractError struct {
	Op     string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("dsp: %s: contract violation: %s", e.Op, e.Reason)
}

// ButterworthLowPass2 designs a 2nd order Butterworth low-pass with the
// bilinear transform. At 50 Hz with a 3 Hz cut-off it keeps the walking
// cadence and removes hand tremor from the acceleration magnitude.
//
// It panics with *ContractError unless 0 < cutoff < sampleRate/2.
func ButterworthLowPass2(cutoff, sampleRate float64) (a, b []float64) {
	if cutoff <= 0 || sampleRate <= 0 || cutoff >= sampleRate/2 {
		panic(&ContractError{Op: "butterworth", Reason: fmt.Sprintf("cut-off %.2f Hz outside (0, %.2f) Hz", cutoff, sampleRate/2)})
	}

	k := math.Tan(math.Pi * cutoff / sampleRate)
	norm := 1 / (1 + math.Sqrt2*k + k*k)
	b0 := k * k * norm

	a = []float64{1, 2 * (k*k - 1) * norm, (1 - math.Sqrt2*k + k*k) * norm}
	b = []float64{b0, 2 * b0, b0}
	return a, b
}

// Filter applies the transfer function b/a to x using the difference equation
//
//	y[i] = b[0]x[i] + ... + b[nb-1]x[i-nb+1] - a[1]y[i-1] - ... - a[na-1]y[i-na+1]
//
// Coefficients are normalised by a[0]. No history before x[0] is assumed, so
// the first outputs use a growing window and are only an approximation
// (start-up transient). a and b may differ in length.
func Filter(a, b, x []float64) []float64 {
	y := make([]float64, len(x))
	if len(x) == 0 || len(b) == 0 {
		return y
	}

	a, b = normalize(a, b)

	warmup := len(b)
	if warmup > len(x) {
		warmup = len(x)
	}

	y[0] = b[0] * x[0]
	for i := 1; i < warmup; i++ {
		for j := 0; j <= i; j++ {
			y[i] += b[j] * x[i-j]
		}
		for j := 0; j < i && j+1 < len(a); j++ {
			y[i] -= a[j+1] * y[i-j-1]
		}
	}

	for i := warmup; i < len(x); i++ {
		for j := 0; j < len(b); j++ {
			y[i] += b[j] * x[i-j]
		}
		for j := 0; j < i && j+1 < len(a); j++ {
			y[i] -= a[j+1] * y[i-j-1]
		}
	}

	return y
}

// CanFiltFilt reports whether FiltFilt accepts the given coefficient vectors
// and a signal of n samples.
func CanFiltFilt(a, b []float64, n int) bool {
	return len(a) > 0 && len(a) == len(b) && n > 2*borderSize(a)
}

// FiltFilt performs zero-phase filtering: the signal is padded on both ends
// with 3*len(a) reflected and inverted samples, filtered forward, reversed,
// filtered again and reversed back. The padding is stripped, so the result
// has the same length as x.
//
// FiltFilt panics with *ContractError if len(a) != len(b) or if x is not
// longer than twice the padding.
func FiltFilt(a, b, x []float64) []float64 {
	if len(a) == 0 || len(a) != len(b) {
		panic(&ContractError{Op: "filtfilt", Reason: fmt.Sprintf("coefficient lengths differ (a=%d, b=%d)", len(a), len(b))})
	}
	border := borderSize(a)
	if len(x) <= 2*border {
		panic(&ContractError{Op: "filtfilt", Reason: fmt.Sprintf("signal of %d samples needs more than %d", len(x), 2*border)})
	}

	// grow the signal with inverted replicas on both edges
	xx := make([]float64, len(x)+2*border)
	last := x[len(x)-1]
	for i := 0; i < border; i++ {
		xx[i] = 2*x[0] - x[border-i-1]
		xx[len(xx)-i-1] = 2*last - x[len(x)-border+i]
	}
	copy(xx[border:], x)

	pass := Filter(a, b, xx)
	floats.Reverse(pass)
	pass = Filter(a, b, pass)
	floats.Reverse(pass)

	out := make([]float64, len(x))
	copy(out, pass[border:border+len(x)])
	return out
}

// DCGain returns the steady state gain sum(b)/sum(a) of the filter.
func DCGain(a, b []float64) float64 {
	return floats.Sum(b) / floats.Sum(a)
}

func borderSize(a []float64) int {
	return 3 * len(a)
}

func normalize(a, b []float64) ([]float64, []float64) {
	if len(a) == 0 || a[0] == 1 || a[0] == 0 {
		return a, b
	}
	na := make([]float64, len(a))
	nb := make([]float64, len(b))
	copy(na, a)
	copy(nb, b)
	floats.Scale(1/a[0], na)
	floats.Scale(1/a[0], nb)
	return na, nb
}
