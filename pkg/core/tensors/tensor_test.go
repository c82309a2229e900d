package tensors

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/pkg/core/shapes"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, uintptr(24), tensor.Memory())
	require.Equal(t, make([]float32, 6), Flat[float32](tensor))

	indices := FromShape(shapes.Make(dtypes.Uint64, 4))
	require.Equal(t, []uint64{0, 0, 0, 0}, Flat[uint64](indices))
	require.Panics(t, func() { _ = Flat[float32](indices) })
	require.Panics(t, func() { _ = FromShape(shapes.Invalid()) })
}

func TestFromFlatDataAndBind(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	copied := FromFlatDataAndDimensions(data, 2, 2)
	bound, err := Bind(data, 4)
	require.NoError(t, err)

	data[0] = 100
	assert.Equal(t, float32(1), Flat[float32](copied)[0], "FromFlatDataAndDimensions must copy")
	assert.Equal(t, float32(100), Flat[float32](bound)[0], "Bind must not copy")

	_, err = Bind(data, 3)
	require.Error(t, err)
	_, err = Bind(data, 0, 4)
	require.Error(t, err)
	require.Panics(t, func() { _ = FromFlatDataAndDimensions(data, 5) })
}

func TestReshape(t *testing.T) {
	tensor := FromScalarAndDimensions(float32(7), 12, 6, 8, 12)
	before := slices.Clone(Flat[float32](tensor))
	require.NoError(t, tensor.Reshape(18, 4, 24, 4))
	require.Equal(t, []int{18, 4, 24, 4}, tensor.Shape().Dimensions)
	require.Equal(t, before, Flat[float32](tensor))
	require.Error(t, tensor.Reshape(18, 4, 24, 5))
	require.Equal(t, []int{18, 4, 24, 4}, tensor.Shape().Dimensions)
}

func TestClone(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]uint64{1, 2, 3}, 3)
	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))
	Flat[uint64](clone)[0] = 9
	require.Equal(t, uint64(1), Flat[uint64](tensor)[0])
	require.False(t, tensor.Equal(clone))
	require.False(t, tensor.Equal(FromShape(shapes.Make(dtypes.Uint64, 4))))
}

func TestCompare(t *testing.T) {
	nan := float32(math.NaN())
	a := FromFlatDataAndDimensions([]float32{1, 2, nan, 1000}, 4)
	b := FromFlatDataAndDimensions([]float32{1, 2, nan, 1000}, 4)
	require.True(t, a.Equal(b))

	c := FromFlatDataAndDimensions([]float32{1, 2.0001, nan, 1000.1}, 4)
	require.False(t, a.Equal(c))
	require.True(t, a.WithinTolerance(c, 1e-3, 1e-3))
	require.False(t, a.InDelta(c, 1e-5))

	absDiff, relDiff := a.MaxDiff(c)
	require.InDelta(t, 0.1, absDiff, 1e-3)
	require.Less(t, relDiff, 1e-3)

	d := FromFlatDataAndDimensions([]float32{1, 2, 3, 1000}, 4)
	require.False(t, a.WithinTolerance(d, 1, 1))
	absDiff, _ = a.MaxDiff(d)
	require.True(t, math.IsInf(absDiff, 1))

	require.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2, nan, 1000}, 2, 2)))
}

func TestString(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	require.Equal(t, "(Float32)[2 2]: [1 2 3 4]", tensor.String())
	large := FromShape(shapes.Make(dtypes.Uint64, 40))
	require.Contains(t, large.String(), "...(8 more)")
	var nilTensor *Tensor
	require.Equal(t, "Tensor(nil)", nilTensor.String())
}
