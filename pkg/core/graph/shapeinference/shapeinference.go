// Package shapeinference calculates the shape resulting from the graph operators and validates their inputs.
//
// There is one function per operator. All of them return an error describing the mismatch, and
// an invalid shape, if the inputs are not acceptable.
//
// Element-wise operators don't broadcast: the only broadcasting supported is the one of BatchedAdd (the
// second operand is added to every slice of the first) and of the bias of FullyConnected and Convolution.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/shapes"
)

func checkFloat(opName, operandName string, s shapes.Shape) error {
	if !s.Ok() {
		return errors.Errorf("%s: invalid shape for %s", opName, operandName)
	}
	if s.DType != dtypes.Float32 {
		return errors.Errorf("%s: %s must be Float32, got %s", opName, operandName, s)
	}
	return nil
}

func checkRank(opName, operandName string, s shapes.Shape, rank int) error {
	if s.Rank() != rank {
		return errors.Errorf("%s: %s must have rank %d, got %s", opName, operandName, rank, s)
	}
	return nil
}

// ElementwiseBinaryOp for operators like Max and Min: both operands must be Float32 with exactly the same shape.
func ElementwiseBinaryOp(opName string, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if err := checkFloat(opName, "lhs", lhs); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkFloat(opName, "rhs", rhs); err != nil {
		return shapes.Invalid(), err
	}
	if !lhs.Equal(rhs) {
		return shapes.Invalid(), errors.Errorf("%s: operands must have the same shape, got %s and %s", opName, lhs, rhs)
	}
	return lhs.Clone(), nil
}

// UnaryOp for element-wise operators like Relu, Sigmoid and Tanh: the output has the shape of the operand.
func UnaryOp(opName string, operand shapes.Shape) (shapes.Shape, error) {
	if err := checkFloat(opName, "operand", operand); err != nil {
		return shapes.Invalid(), err
	}
	return operand.Clone(), nil
}

// SelectOp returns the shape of `condition ? onTrue : onFalse`.
//
// onTrue and onFalse must be Float32 with the same shape; condition must have the same dimensions, and be
// either Float32 or Uint64.
func SelectOp(condition, onTrue, onFalse shapes.Shape) (shapes.Shape, error) {
	output, err := ElementwiseBinaryOp("Select", onTrue, onFalse)
	if err != nil {
		return shapes.Invalid(), err
	}
	if !shapes.IsSupported(condition.DType) {
		return shapes.Invalid(), errors.Errorf("Select: condition must be Float32 or Uint64, got %s", condition)
	}
	if !condition.EqualDimensions(output) {
		return shapes.Invalid(), errors.Errorf("Select: condition %s must have the same dimensions as the values %s",
			condition, output)
	}
	return output, nil
}

// BatchedAddOp adds the slice to every batch element of the batch: slice must be shaped as batch without its
// leading axis.
func BatchedAddOp(batch, slice shapes.Shape) (shapes.Shape, error) {
	if err := checkFloat("BatchedAdd", "batch", batch); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkFloat("BatchedAdd", "slice", slice); err != nil {
		return shapes.Invalid(), err
	}
	if batch.Rank() < 1 {
		return shapes.Invalid(), errors.Errorf("BatchedAdd: batch must have rank >= 1, got %s", batch)
	}
	if !slices.Equal(batch.Dimensions[1:], slice.Dimensions) {
		return shapes.Invalid(), errors.Errorf("BatchedAdd: slice %s must match the batch %s without its leading axis",
			slice, batch)
	}
	return batch.Clone(), nil
}

// BatchedReduceAddOp sums over the leading axis of the batch: the output has the batch dimensions without the
// leading axis.
func BatchedReduceAddOp(batch shapes.Shape) (shapes.Shape, error) {
	if err := checkFloat("BatchedReduceAdd", "batch", batch); err != nil {
		return shapes.Invalid(), err
	}
	if batch.Rank() < 1 {
		return shapes.Invalid(), errors.Errorf("BatchedReduceAdd: batch must have rank >= 1, got %s", batch)
	}
	return shapes.Shape{DType: batch.DType, Dimensions: slices.Clone(batch.Dimensions[1:])}, nil
}

// ReshapeOp to the given dimensions: trivial output shape, but this function also checks
// that the sizes are the same.
func ReshapeOp(operand shapes.Shape, dims []int) (shapes.Shape, error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.New("Reshape: invalid operand shape")
	}
	output, err := operand.Reshape(dims...)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "Reshape")
	}
	return output, nil
}

// FullyConnectedOp returns the shape of `input · weights + bias`.
//
// The input is shaped [batch, features...]: axes after the first are flattened, so weights must be shaped
// [prod(features...), outputDim] and bias [outputDim]. The output is shaped [batch, outputDim].
func FullyConnectedOp(input, weights, bias shapes.Shape) (shapes.Shape, error) {
	for _, operand := range []struct {
		name  string
		shape shapes.Shape
	}{{"input", input}, {"weights", weights}, {"bias", bias}} {
		if err := checkFloat("FullyConnected", operand.name, operand.shape); err != nil {
			return shapes.Invalid(), err
		}
	}
	if input.Rank() < 2 {
		return shapes.Invalid(), errors.Errorf("FullyConnected: input must have rank >= 2, got %s", input)
	}
	if err := checkRank("FullyConnected", "weights", weights, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkRank("FullyConnected", "bias", bias, 1); err != nil {
		return shapes.Invalid(), err
	}
	batchSize := input.Dimensions[0]
	inputDim := input.Size() / batchSize
	if weights.Dimensions[0] != inputDim {
		return shapes.Invalid(), errors.Errorf("FullyConnected: weights %s must have %d rows to match the flattened input %s",
			weights, inputDim, input)
	}
	outputDim := weights.Dimensions[1]
	if bias.Dimensions[0] != outputDim {
		return shapes.Invalid(), errors.Errorf("FullyConnected: bias %s must have dimension %d to match weights %s",
			bias, outputDim, weights)
	}
	return shapes.Make(dtypes.Float32, batchSize, outputDim), nil
}

// ConvolutionOp returns the shape of a 2D convolution with zero padding.
//
// Layout is "NHWC": input is [batch, height, width, channels], filter is
// [outputChannels, kernelHeight, kernelWidth, channels] and bias is [outputChannels].
// The output is [batch, outHeight, outWidth, outputChannels] with outHeight = (height + 2*pad - kernelHeight)/stride + 1,
// and similarly for outWidth.
func ConvolutionOp(input, filter, bias shapes.Shape, stride, pad int) (shapes.Shape, error) {
	for _, operand := range []struct {
		name  string
		shape shapes.Shape
	}{{"input", input}, {"filter", filter}, {"bias", bias}} {
		if err := checkFloat("Convolution", operand.name, operand.shape); err != nil {
			return shapes.Invalid(), err
		}
	}
	if err := checkRank("Convolution", "input", input, 4); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkRank("Convolution", "filter", filter, 4); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkRank("Convolution", "bias", bias, 1); err != nil {
		return shapes.Invalid(), err
	}
	if stride < 1 || pad < 0 {
		return shapes.Invalid(), errors.Errorf("Convolution: stride must be >= 1 and pad >= 0, got stride=%d, pad=%d",
			stride, pad)
	}
	batchSize, height, width, channels := input.Dimensions[0], input.Dimensions[1], input.Dimensions[2], input.Dimensions[3]
	outChannels, kernelHeight, kernelWidth := filter.Dimensions[0], filter.Dimensions[1], filter.Dimensions[2]
	if filter.Dimensions[3] != channels {
		return shapes.Invalid(), errors.Errorf("Convolution: filter %s must have %d input channels to match input %s",
			filter, channels, input)
	}
	if bias.Dimensions[0] != outChannels {
		return shapes.Invalid(), errors.Errorf("Convolution: bias %s must have dimension %d to match filter %s",
			bias, outChannels, filter)
	}
	if height+2*pad < kernelHeight || width+2*pad < kernelWidth {
		return shapes.Invalid(), errors.Errorf("Convolution: kernel %dx%d larger than padded input %s (pad=%d)",
			kernelHeight, kernelWidth, input, pad)
	}
	outHeight := (height+2*pad-kernelHeight)/stride + 1
	outWidth := (width+2*pad-kernelWidth)/stride + 1
	return shapes.Make(dtypes.Float32, batchSize, outHeight, outWidth, outChannels), nil
}

// SoftmaxOp returns the shape of the row-wise softmax of logits shaped [batch, classes].
func SoftmaxOp(logits shapes.Shape) (shapes.Shape, error) {
	if err := checkFloat("Softmax", "logits", logits); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkRank("Softmax", "logits", logits, 2); err != nil {
		return shapes.Invalid(), err
	}
	return logits.Clone(), nil
}

// SoftmaxGradOp returns the shape of the gradient of the cross-entropy of softmax(logits) with respect to
// the logits. labels must be Uint64 shaped [batch] or [batch, 1].
func SoftmaxGradOp(logits, labels shapes.Shape) (shapes.Shape, error) {
	output, err := SoftmaxOp(logits)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "SoftmaxGrad")
	}
	if labels.DType != dtypes.Uint64 {
		return shapes.Invalid(), errors.Errorf("SoftmaxGrad: labels must be Uint64, got %s", labels)
	}
	batchSize := logits.Dimensions[0]
	validLabels := (labels.Rank() == 1 && labels.Dimensions[0] == batchSize) ||
		(labels.Rank() == 2 && labels.Dimensions[0] == batchSize && labels.Dimensions[1] == 1)
	if !validLabels {
		return shapes.Invalid(), errors.Errorf("SoftmaxGrad: labels must be shaped [%d] or [%d, 1], got %s",
			batchSize, batchSize, labels)
	}
	return output, nil
}
