package graph

import (
	"slices"

	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// addSingle adds a node with one output and returns it.
func (g *Graph) addSingle(kind NodeKind, params any, inputs ...Edge) (Edge, error) {
	outputs, err := g.AddNode(kind, inputs, params)
	if err != nil {
		return Edge{}, err
	}
	return outputs[0], nil
}

// Input creates a named placeholder with the given shape, to be bound at execution time.
func (g *Graph) Input(name string, shape shapes.Shape) (Edge, error) {
	return g.addSingle(NodeKindInput, InputParams{Name: name, Shape: shape.Clone()})
}

// Constant adds a tensor owned by the graph. The tensor should not be modified afterwards.
func (g *Graph) Constant(name string, value *tensors.Tensor) (Edge, error) {
	return g.addSingle(NodeKindConstant, ConstantParams{Name: name, Value: value})
}

// Output marks the edge as a named output of the graph.
func (g *Graph) Output(name string, value Edge) error {
	_, err := g.AddNode(NodeKindOutput, []Edge{value}, OutputParams{Name: name})
	return err
}

// Max returns the element-wise maximum of lhs and rhs, which must have the same shape.
func (g *Graph) Max(lhs, rhs Edge) (Edge, error) {
	return g.addSingle(NodeKindMax, nil, lhs, rhs)
}

// Min returns the element-wise minimum of lhs and rhs, which must have the same shape.
func (g *Graph) Min(lhs, rhs Edge) (Edge, error) {
	return g.addSingle(NodeKindMin, nil, lhs, rhs)
}

// Select returns onTrue where condition is not zero, and onFalse otherwise.
func (g *Graph) Select(condition, onTrue, onFalse Edge) (Edge, error) {
	return g.addSingle(NodeKindSelect, nil, condition, onTrue, onFalse)
}

// BatchedAdd adds slice to every element of the batch (along its leading axis).
func (g *Graph) BatchedAdd(batch, slice Edge) (Edge, error) {
	return g.addSingle(NodeKindBatchedAdd, nil, batch, slice)
}

// BatchedReduceAdd sums the batch over its leading axis.
func (g *Graph) BatchedReduceAdd(batch Edge) (Edge, error) {
	return g.addSingle(NodeKindBatchedReduceAdd, nil, batch)
}

// Reshape operand to the given dimensions, with the same number of elements.
func (g *Graph) Reshape(operand Edge, dimensions ...int) (Edge, error) {
	return g.addSingle(NodeKindReshape, ReshapeParams{Dimensions: slices.Clone(dimensions)}, operand)
}

// Relu returns max(x, 0) element-wise.
func (g *Graph) Relu(x Edge) (Edge, error) {
	return g.addSingle(NodeKindRelu, nil, x)
}

// Sigmoid returns 1/(1+exp(-x)) element-wise.
func (g *Graph) Sigmoid(x Edge) (Edge, error) {
	return g.addSingle(NodeKindSigmoid, nil, x)
}

// Tanh returns the hyperbolic tangent element-wise.
func (g *Graph) Tanh(x Edge) (Edge, error) {
	return g.addSingle(NodeKindTanh, nil, x)
}

// FullyConnected returns input · weights + bias. Input axes after the first are flattened.
func (g *Graph) FullyConnected(input, weights, bias Edge) (Edge, error) {
	return g.addSingle(NodeKindFullyConnected, nil, input, weights, bias)
}

// Convolution returns the 2D convolution of input (NHWC) with filter ([outChannels, kh, kw, inChannels]),
// plus bias, with the given stride and zero padding.
func (g *Graph) Convolution(input, filter, bias Edge, stride, pad int) (Edge, error) {
	return g.addSingle(NodeKindConvolution, ConvolutionParams{Stride: stride, Pad: pad}, input, filter, bias)
}

// Softmax of logits shaped [batch, classes], taken over the classes axis.
func (g *Graph) Softmax(logits Edge) (Edge, error) {
	return g.addSingle(NodeKindSoftmax, nil, logits)
}

// SoftmaxGrad returns softmax(logits) - onehot(labels), the gradient of the softmax cross-entropy loss
// with respect to the logits.
func (g *Graph) SoftmaxGrad(logits, labels Edge) (Edge, error) {
	return g.addSingle(NodeKindSoftmaxGrad, nil, logits, labels)
}
