package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Scalar(dtypes.Uint64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
}

func TestMakeChecked(t *testing.T) {
	_, err := MakeChecked(dtypes.Float32, 3, 0)
	require.Error(t, err)
	_, err = MakeChecked(dtypes.Float64, 3)
	require.Error(t, err)
	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestReshapeAndStrides(t *testing.T) {
	shape := Make(dtypes.Float32, 12, 6, 8, 12)
	reshaped, err := shape.Reshape(18, 4, 24, 4)
	require.NoError(t, err)
	require.Equal(t, shape.Size(), reshaped.Size())
	require.Equal(t, []int{384, 96, 4, 1}, reshaped.Strides())

	_, err = shape.Reshape(18, 4, 24, 5)
	require.Error(t, err)

	require.True(t, shape.Equal(shape.Clone()))
	require.False(t, shape.Equal(reshaped))
	require.True(t, shape.EqualDimensions(Make(dtypes.Uint64, 12, 6, 8, 12)))
	require.Nil(t, Scalar(dtypes.Float32).Strides())
}
