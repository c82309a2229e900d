package tensors

import (
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/floats/scalar"
)

// Equal checks whether both tensors have the same shape and exactly the same values.
// Two NaNs at the same position are considered equal.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	switch t.shape.DType {
	case dtypes.Float32:
		return equalFlat[float32](t, otherTensor)
	case dtypes.Uint64:
		return equalFlat[uint64](t, otherTensor)
	}
	return true
}

// equalFlat compares the values of two tensors of the same shape. NaNs at the same position are equal.
func equalFlat[T Supported](t, otherTensor *Tensor) (equal bool) {
	ConstFlatData(t, func(flat0 []T) {
		ConstFlatData(otherTensor, func(flat1 []T) {
			equal = slices.EqualFunc(flat0, flat1, func(v0, v1 T) bool {
				return v0 == v1 || (v0 != v0 && v1 != v1)
			})
		})
	})
	return
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element.
// If the shapes are different it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	return t.WithinTolerance(otherTensor, delta, 0)
}

// WithinTolerance checks whether every element of t is equal to the corresponding element of otherTensor
// within the absolute tolerance absTol or the relative tolerance relTol (see scalar.EqualWithinAbsOrRel).
// Two NaNs at the same position are considered equal. If the shapes are different it returns false.
func (t *Tensor) WithinTolerance(otherTensor *Tensor, absTol, relTol float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	if t.shape.DType != dtypes.Float32 {
		return t.Equal(otherTensor)
	}
	flat0, flat1 := Flat[float32](t), Flat[float32](otherTensor)
	for ii, v0 := range flat0 {
		v1 := flat1[ii]
		if isNaN32(v0) || isNaN32(v1) {
			if isNaN32(v0) && isNaN32(v1) {
				continue
			}
			return false
		}
		if v0 == v1 {
			continue
		}
		if !scalar.EqualWithinAbsOrRel(float64(v0), float64(v1), absTol, relTol) {
			return false
		}
	}
	return true
}

// MaxDiff returns the largest absolute and relative differences between the elements of the two tensors.
// The relative difference of each element is taken with respect to the larger magnitude of the two values.
//
// It returns +Inf for both if shapes differ or if only one of the values at some position is NaN.
func (t *Tensor) MaxDiff(otherTensor *Tensor) (absDiff, relDiff float64) {
	t.AssertValid()
	otherTensor.AssertValid()
	if !t.shape.Equal(otherTensor.shape) {
		return math.Inf(1), math.Inf(1)
	}
	if t.shape.DType != dtypes.Float32 {
		if t.Equal(otherTensor) {
			return 0, 0
		}
		return math.Inf(1), math.Inf(1)
	}
	flat0, flat1 := Flat[float32](t), Flat[float32](otherTensor)
	for ii, v0 := range flat0 {
		v1 := flat1[ii]
		if isNaN32(v0) || isNaN32(v1) {
			if isNaN32(v0) && isNaN32(v1) {
				continue
			}
			return math.Inf(1), math.Inf(1)
		}
		if v0 == v1 {
			continue
		}
		diff := math.Abs(float64(v0) - float64(v1))
		absDiff = max(absDiff, diff)
		magnitude := max(math.Abs(float64(v0)), math.Abs(float64(v1)))
		if magnitude > 0 {
			relDiff = max(relDiff, diff/magnitude)
		}
	}
	return
}

func isNaN32(v float32) bool { return v != v }
