package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/pkg/core/shapes"
)

var (
	F32 = dtypes.Float32
	U64 = dtypes.Uint64
	MS  = shapes.Make
)

// must1 panics if there is an error.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestElementwiseOps(t *testing.T) {
	matrix := MS(F32, 3, 8, 2)
	require.True(t, matrix.Equal(must1(ElementwiseBinaryOp("Max", matrix, matrix))))
	_, err := ElementwiseBinaryOp("Max", matrix, MS(F32, 3, 2, 8))
	require.Error(t, err)
	_, err = ElementwiseBinaryOp("Min", matrix, MS(U64, 3, 8, 2))
	require.Error(t, err)
	_, err = ElementwiseBinaryOp("Min", shapes.Invalid(), matrix)
	require.Error(t, err)

	require.True(t, matrix.Equal(must1(UnaryOp("Relu", matrix))))
	_, err = UnaryOp("Tanh", MS(U64, 3))
	require.Error(t, err)
}

func TestSelectOp(t *testing.T) {
	values := MS(F32, 5, 3, 9, 2)
	require.True(t, values.Equal(must1(SelectOp(values, values, values))))
	require.True(t, values.Equal(must1(SelectOp(MS(U64, 5, 3, 9, 2), values, values))))
	_, err := SelectOp(MS(F32, 5, 3, 9), values, values)
	require.Error(t, err)
	_, err = SelectOp(values, values, MS(F32, 5, 3, 9, 1))
	require.Error(t, err)
}

func TestBatchedOps(t *testing.T) {
	output, err := BatchedAddOp(MS(F32, 8, 3, 3, 6), MS(F32, 3, 3, 6))
	require.NoError(t, err)
	require.Equal(t, []int{8, 3, 3, 6}, output.Dimensions)
	_, err = BatchedAddOp(MS(F32, 8, 3, 3, 6), MS(F32, 3, 6))
	require.Error(t, err)
	_, err = BatchedAddOp(shapes.Scalar(F32), shapes.Scalar(F32))
	require.Error(t, err)

	output, err = BatchedReduceAddOp(MS(F32, 7, 5, 9, 2))
	require.NoError(t, err)
	require.Equal(t, []int{5, 9, 2}, output.Dimensions)
	output, err = BatchedReduceAddOp(MS(F32, 7))
	require.NoError(t, err)
	require.True(t, output.IsScalar())
}

func TestReshapeOp(t *testing.T) {
	output, err := ReshapeOp(MS(F32, 12, 6, 8, 12), []int{18, 4, 24, 4})
	require.NoError(t, err)
	require.Equal(t, []int{18, 4, 24, 4}, output.Dimensions)
	_, err = ReshapeOp(MS(F32, 12, 6, 8, 12), []int{18, 4, 24, 5})
	require.Error(t, err)
	_, err = ReshapeOp(MS(U64, 6), []int{-1, 6})
	require.Error(t, err)
}

func TestFullyConnectedOp(t *testing.T) {
	output, err := FullyConnectedOp(MS(F32, 2, 3, 16, 16), MS(F32, 768, 6), MS(F32, 6))
	require.NoError(t, err)
	require.Equal(t, []int{2, 6}, output.Dimensions)
	_, err = FullyConnectedOp(MS(F32, 2, 10), MS(F32, 11, 6), MS(F32, 6))
	require.Error(t, err)
	_, err = FullyConnectedOp(MS(F32, 2, 10), MS(F32, 10, 6), MS(F32, 5))
	require.Error(t, err)
	_, err = FullyConnectedOp(MS(F32, 10), MS(F32, 10, 6), MS(F32, 6))
	require.Error(t, err)
}

func TestConvolutionOp(t *testing.T) {
	output, err := ConvolutionOp(MS(F32, 2, 16, 16, 3), MS(F32, 4, 5, 5, 3), MS(F32, 4), 1, 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 16, 16, 4}, output.Dimensions)

	output, err = ConvolutionOp(MS(F32, 1, 7, 9, 2), MS(F32, 3, 3, 3, 2), MS(F32, 3), 2, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 4, 3}, output.Dimensions)

	_, err = ConvolutionOp(MS(F32, 1, 7, 9, 2), MS(F32, 3, 3, 3, 1), MS(F32, 3), 1, 0)
	require.Error(t, err)
	_, err = ConvolutionOp(MS(F32, 1, 7, 9, 2), MS(F32, 3, 3, 3, 2), MS(F32, 3), 0, 0)
	require.Error(t, err)
	_, err = ConvolutionOp(MS(F32, 1, 2, 2, 2), MS(F32, 3, 5, 5, 2), MS(F32, 3), 1, 1)
	require.Error(t, err)
}

func TestSoftmaxOps(t *testing.T) {
	logits := MS(F32, 14, 19)
	require.True(t, logits.Equal(must1(SoftmaxOp(logits))))
	require.True(t, logits.Equal(must1(SoftmaxGradOp(logits, MS(U64, 14)))))
	require.True(t, logits.Equal(must1(SoftmaxGradOp(logits, MS(U64, 14, 1)))))
	_, err := SoftmaxGradOp(logits, MS(F32, 14, 1))
	require.Error(t, err)
	_, err = SoftmaxGradOp(logits, MS(U64, 13))
	require.Error(t, err)
	_, err = SoftmaxOp(MS(F32, 2, 3, 4))
	require.Error(t, err)
}
