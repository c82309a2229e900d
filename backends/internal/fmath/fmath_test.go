package fmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFunctions(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-7)
	assert.InDelta(t, 1/(1+math.Exp(-2)), Sigmoid(2), 1e-6)
	assert.Equal(t, float32(0), Sigmoid(float32(math.Inf(-1))))
	assert.Equal(t, float32(1), Sigmoid(float32(math.Inf(1))))

	assert.InDelta(t, math.Tanh(0.3), Tanh(0.3), 1e-7)
	assert.Equal(t, float32(-1), Tanh(-100))
	assert.InDelta(t, math.E, Exp(1), 1e-6)

	assert.Equal(t, float32(0), Relu(-3))
	assert.Equal(t, float32(2), Relu(2))
	assert.True(t, math.IsNaN(float64(Relu(float32(math.NaN())))))
}

func TestSoftmaxRow(t *testing.T) {
	row := []float32{1, 2, 3}
	output := make([]float32, 3)
	SoftmaxRow(output, row)
	sum := math.Exp(1) + math.Exp(2) + math.Exp(3)
	for ii, v := range row {
		assert.InDelta(t, math.Exp(float64(v))/sum, output[ii], 1e-6)
	}

	// In place, with values that would overflow exp without subtracting the max.
	row = []float32{500, 500}
	SoftmaxRow(row, row)
	assert.Equal(t, []float32{0.5, 0.5}, row)
}
