package dsp

import "math"

// Clamp01 limits x to the unit interval.
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Finite returns x, or 0 when x is NaN or infinite. Spectral math divides
// by data-dependent sums, so every value that feeds back into state goes
// through here first.
func Finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// WrapPi wraps an angle in radians to (-π, π].
func WrapPi(x float64) float64 {
	for x > math.Pi {
		x -= 2 * math.Pi
	}
	for x <= -math.Pi {
		x += 2 * math.Pi
	}
	return x
}

// SmoothingFactor converts an elapsed time and time constant into an EMA
// coefficient. For small ratios it returns dt/tau directly, avoiding the
// exp call on the per-frame path.
func SmoothingFactor(dt, tau float64) float64 {
	if tau <= 0 {
		return 1
	}
	ratio := dt / tau
	if ratio < 0.1 {
		return ratio
	}
	return 1 - math.Exp(-ratio)
}

// Median returns the middle element of values after an insertion sort into
// scratch. scratch must be at least len(values) long; values is left
// untouched. Returns 0 for an empty input.
func Median(values, scratch []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	scratch = scratch[:n]
	copy(scratch, values)
	for i := 1; i < n; i++ {
		key := scratch[i]
		j := i - 1
		for j >= 0 && scratch[j] > key {
			scratch[j+1] = scratch[j]
			j--
		}
		scratch[j+1] = key
	}
	return scratch[n/2]
}
