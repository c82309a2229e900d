// Package tensors implements a `Tensor`, a flat, row-major, multi-dimensional array of one of the element
// kinds supported by the compiler (float32 or uint64).
//
// Tensors are the inputs and outputs of an execution, and are also used as constants (weights, biases, filters)
// of a computation graph.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and copies the flattened values from the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - Bind[T Supported](data []T, dimensions ...int): like FromFlatDataAndDimensions, but the Tensor
//     uses the given slice as its storage, without copying it.
//
// A Tensor is not safe for concurrent mutation: the owner of the tensor is responsible for synchronization.
package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/shapes"
)

// Supported lists the Go types that can be used as Tensor elements.
type Supported interface {
	float32 | uint64
}

// DTypeOf returns the dtype corresponding to the Go type T.
func DTypeOf[T Supported]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case float32:
		return dtypes.Float32
	case uint64:
		return dtypes.Uint64
	}
	return dtypes.InvalidDType
}

// Tensor is a shaped contiguous buffer.
type Tensor struct {
	shape shapes.Shape

	// flat is either []float32 or []uint64, depending on shape.DType, with shape.Size() elements.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() || !shapes.IsSupported(shape.DType) {
		exceptions.Panicf("tensors.FromShape(%s): invalid or unsupported shape", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface(),
	}
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(DTypeOf[T](), dimensions...))
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in
// `data`. The data is copied to the Tensor.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeOf[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// Bind creates a Tensor that uses data as its storage: no copy is made, and changes to data are visible
// through the Tensor (and vice-versa).
//
// It returns an error if len(data) doesn't match the dimensions.
func Bind[T Supported](data []T, dimensions ...int) (*Tensor, error) {
	shape, err := shapes.MakeChecked(DTypeOf[T](), dimensions...)
	if err != nil {
		return nil, err
	}
	if len(data) != shape.Size() {
		return nil, errors.Errorf("tensors.Bind(%s): data has %d elements, shape requires %d",
			shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: data}, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the tensor is non-nil and holds data consistent with its shape.
func (t *Tensor) Ok() bool {
	if t == nil || t.flat == nil || !t.shape.Ok() {
		return false
	}
	return reflect.ValueOf(t.flat).Len() == t.shape.Size()
}

// AssertValid panics if the tensor is nil or in an invalid state.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("tensor with shape %s is invalid", t.shape)
	}
}

// FlatAny returns the underlying flat storage: a []float32 or a []uint64.
// It is not a copy: changes are reflected in the Tensor.
func (t *Tensor) FlatAny() any { return t.flat }

// Flat returns the underlying flat storage of the tensor, not a copy.
//
// It panics if T doesn't match the tensor's dtype.
func Flat[T Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("tensors.Flat[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	return flat
}

// ConstFlatData calls accessFn with the flat data of the tensor. accessFn must not change it.
func ConstFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(Flat[T](t))
}

// MutableFlatData calls accessFn with the flat data of the tensor, which can be modified in place.
func MutableFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(Flat[T](t))
}

// Clone returns a deep copy of the tensor, with its own storage.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// Reshape changes the dimensions of the tensor in place, preserving the number of elements and
// their linear (row-major) order. No data is moved.
func (t *Tensor) Reshape(dimensions ...int) error {
	t.AssertValid()
	newShape, err := t.shape.Reshape(dimensions...)
	if err != nil {
		return errors.WithMessage(err, "Tensor.Reshape")
	}
	t.shape = newShape
	return nil
}
