// Package fixtures generates deterministic random tensors for tests.
//
// All functions take the random number generator explicitly, so tests are reproducible and can run in
// parallel without sharing state.
package fixtures

import (
	"math"
	"math/rand/v2"

	"github.com/xrick/glow/pkg/core/tensors"
)

// NewRand returns a random number generator seeded with seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Xavier returns a float32 tensor with values uniformly distributed in [-scale, scale), with
// scale = sqrt(3 / fanIn).
func Xavier(rng *rand.Rand, fanIn int, dimensions ...int) *tensors.Tensor {
	t := tensors.FromScalarAndDimensions(float32(0), dimensions...)
	scale := math.Sqrt(3 / float64(max(fanIn, 1)))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32((2*rng.Float64() - 1) * scale)
		}
	})
	return t
}

// RandInt01 returns a float32 tensor of zeros and ones.
func RandInt01(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	t := tensors.FromScalarAndDimensions(float32(0), dimensions...)
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(rng.IntN(2))
		}
	})
	return t
}

// RandIndex returns an index tensor with values in [0, n).
func RandIndex(rng *rand.Rand, n int, dimensions ...int) *tensors.Tensor {
	t := tensors.FromScalarAndDimensions(uint64(0), dimensions...)
	tensors.MutableFlatData(t, func(flat []uint64) {
		for ii := range flat {
			flat[ii] = rng.Uint64N(uint64(n))
		}
	})
	return t
}
