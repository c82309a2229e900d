// Package fmath holds the float32 scalar functions shared by all backends, so that transcendental
// functions produce bit-identical results whichever backend executes them.
package fmath

import (
	"math"

	"github.com/chewxy/math32"
)

// Exp returns e**x.
func Exp(x float32) float32 { return math32.Exp(x) }

// Sigmoid returns 1 / (1 + e**-x).
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Tanh returns the hyperbolic tangent of x, computed in float64 and rounded.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Relu returns max(x, 0). NaN is propagated.
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// SoftmaxRow writes into output the softmax of row: exp(x - max(row)) / sum. Both must have the same
// length, and may be the same slice.
func SoftmaxRow(output, row []float32) {
	maxValue := row[0]
	for _, v := range row[1:] {
		maxValue = max(maxValue, v)
	}
	var sum float32
	for ii, v := range row {
		exp := math32.Exp(v - maxValue)
		output[ii] = exp
		sum += exp
	}
	for ii := range output {
		output[ii] /= sum
	}
}
