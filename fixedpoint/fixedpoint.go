// Package fixedpoint maps bounded reals to integers by scale-and-round so that every value
// entering the encrypted circuit sits in the scheme's precise regime.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
)

// DefaultScale gives four decimal digits of precision.
const DefaultScale = 10000

var ErrOutOfRange = errors.New("value cannot be represented in fixed point")

// Check fails for NaN, infinities and values whose scaled magnitude does not fit an int64.
func Check(x float64, scale int64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("%w: %v", ErrOutOfRange, x)
	}
	if math.Abs(x*float64(scale)) >= math.MaxInt64 {
		return fmt.Errorf("%w: %v at scale %d", ErrOutOfRange, x, scale)
	}
	return nil
}

// CheckVector runs Check on every element, reporting the first offending index.
func CheckVector(xs []float64, scale int64) error {
	for i, x := range xs {
		if err := Check(x, scale); err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
	}
	return nil
}

// Quantize returns round(x*scale). The result is meaningless unless Check(x, scale) passes.
func Quantize(x float64, scale int64) int64 {
	return int64(math.Round(x * float64(scale)))
}

// Dequantize inverts Quantize up to 1/scale.
func Dequantize(q int64, scale int64) float64 {
	return float64(q) / float64(scale)
}

// QuantizeVector quantizes every element.
func QuantizeVector(xs []float64, scale int64) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = Quantize(x, scale)
	}
	return out
}

// ScaleVector multiplies by scale without rounding. Model weights go through this path so
// the model keeps its full precision.
func ScaleVector(xs []float64, scale int64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x * float64(scale)
	}
	return out
}

// Snap returns x rounded to the fixed-point grid, i.e. Dequantize(Quantize(x)).
func Snap(x float64, scale int64) float64 {
	return Dequantize(Quantize(x, scale), scale)
}

// Compound is the divisor for a product of two values scaled by scale.
func Compound(scale int64) float64 {
	return float64(scale) * float64(scale)
}
