package tensor

import (
	"math"
)

// Relu clamps negative values to zero.
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func Exp(x float32) float32 { return float32(math.Exp(float64(x))) }

// Recip computes 1/x. Zero maps to +Inf.
func Recip(x float32) float32 { return 1 / x }

func Sqrt(x float32) float32 { return float32(math.Sqrt(float64(x))) }

// Gelu is the exact erf form of the Gaussian error linear unit.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// Apply replaces every element of x with fn(x).
func Apply(x []float32, fn func(float32) float32) {
	for i := range x {
		x[i] = fn(x[i])
	}
}

// LayerNorm normalizes each row of src (rows of width w) to zero mean and
// unit variance, then scales by gamma and shifts by beta when they are
// non-nil. gamma and beta have length w.
func LayerNorm(dst, src []float32, w int, eps float32, gamma, beta []float32) {
	if w <= 0 || len(src)%w != 0 || len(dst) < len(src) {
		panic("LayerNorm: src is not a whole number of rows")
	}
	inv := 1 / float32(w)
	for off := 0; off < len(src); off += w {
		row := src[off : off+w]
		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum * inv
		var sq float32
		for _, v := range row {
			d := v - mean
			sq += d * d
		}
		scale := 1 / float32(math.Sqrt(float64(sq*inv+eps)))
		for i, v := range row {
			y := (v - mean) * scale
			if gamma != nil {
				y *= gamma[i]
			}
			if beta != nil {
				y += beta[i]
			}
			dst[off+i] = y
		}
	}
}
