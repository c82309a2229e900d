// Package shapes defines Shape, the element kind (a dtypes.DType) plus the dimensions of a Tensor,
// of a graph edge or of a storage slot of a lowered program.
//
// Only two element kinds are used by the compiler:
//
//   - dtypes.Float32: the floating point kind used for all arithmetic.
//   - dtypes.Uint64: the unsigned index kind, used for labels and selection masks.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensional Tensor in one of its axes.
//   - Scalar: a shape with no axes, holding one value of the associated DType.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` is printed as `(Float32)[2 3]`: rank 2, axis 0 has
// dimension 2 and axis 1 has dimension 3.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a Tensor or of a value in a computation graph.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0: use MakeChecked to get an error instead.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s, err := MakeChecked(dtype, dimensions...)
	if err != nil {
		panic(err)
	}
	return s
}

// MakeChecked is like Make, but returns an error if the dtype is not supported or some dimension is not positive.
func MakeChecked(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if !IsSupported(dtype) {
		return Invalid(), errors.Errorf("shapes.Make(%s): dtype %s not supported, only Float32 and Uint64 are", s, dtype)
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return Invalid(), errors.Errorf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s, nil
}

// IsSupported returns whether the dtype is one of the element kinds handled by the compiler.
func IsSupported(dtype dtypes.DType) bool {
	return dtype == dtypes.Float32 || dtype == dtypes.Uint64
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Reshape returns a shape with the same dtype and the new dimensions.
// It returns an error if the number of elements differs.
func (s Shape) Reshape(dimensions ...int) (Shape, error) {
	newShape, err := MakeChecked(s.DType, dimensions...)
	if err != nil {
		return Invalid(), err
	}
	if newShape.Size() != s.Size() {
		return Invalid(), errors.Errorf("cannot reshape %s to dimensions %v: size %d != %d",
			s, dimensions, s.Size(), newShape.Size())
	}
	return newShape, nil
}

// Strides returns the strides for each axis of the shape, assuming the "row-major" layout
// in memory used everywhere in the compiler.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}
