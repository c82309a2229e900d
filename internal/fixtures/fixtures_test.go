package fixtures

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/pkg/core/tensors"
)

func TestXavier(t *testing.T) {
	x := Xavier(NewRand(1), 12, 4, 3)
	require.Equal(t, []int{4, 3}, x.Shape().Dimensions)
	scale := float32(math.Sqrt(3.0 / 12))
	for _, v := range tensors.Flat[float32](x) {
		assert.True(t, v >= -scale && v < scale, "value %g out of range", v)
	}
	assert.True(t, x.Equal(Xavier(NewRand(1), 12, 4, 3)), "same seed must generate the same values")
	assert.False(t, x.Equal(Xavier(NewRand(2), 12, 4, 3)))
}

func TestRandInt01AndIndex(t *testing.T) {
	rng := NewRand(7)
	for _, v := range tensors.Flat[float32](RandInt01(rng, 100)) {
		assert.True(t, v == 0 || v == 1)
	}
	labels := RandIndex(rng, 5, 50, 1)
	assert.Equal(t, []int{50, 1}, labels.Shape().Dimensions)
	for _, v := range tensors.Flat[uint64](labels) {
		assert.Less(t, v, uint64(5))
	}
}
