package graph

import "fmt"

// NodeKind enumerates the operators (and the bookkeeping kinds) a graph Node can have.
type NodeKind int

const (
	NodeKindInvalid NodeKind = iota

	// NodeKindInput is a named placeholder, bound to a caller tensor at execution time.
	NodeKindInput

	// NodeKindConstant holds a tensor owned by the graph: weights, biases, filters.
	NodeKindConstant

	// NodeKindOutput is a named sink: it has one input and no outputs.
	NodeKindOutput

	NodeKindMax
	NodeKindMin
	NodeKindSelect
	NodeKindBatchedAdd
	NodeKindBatchedReduceAdd
	NodeKindReshape
	NodeKindRelu
	NodeKindSigmoid
	NodeKindTanh
	NodeKindFullyConnected
	NodeKindConvolution
	NodeKindSoftmax
	NodeKindSoftmaxGrad

	// NodeKindLast should always be kept the last, it is used as a counter/marker for NodeKind.
	NodeKindLast
)

var nodeKindNames = [NodeKindLast]string{
	NodeKindInvalid:          "Invalid",
	NodeKindInput:            "Input",
	NodeKindConstant:         "Constant",
	NodeKindOutput:           "Output",
	NodeKindMax:              "Max",
	NodeKindMin:              "Min",
	NodeKindSelect:           "Select",
	NodeKindBatchedAdd:       "BatchedAdd",
	NodeKindBatchedReduceAdd: "BatchedReduceAdd",
	NodeKindReshape:          "Reshape",
	NodeKindRelu:             "Relu",
	NodeKindSigmoid:          "Sigmoid",
	NodeKindTanh:             "Tanh",
	NodeKindFullyConnected:   "FullyConnected",
	NodeKindConvolution:      "Convolution",
	NodeKindSoftmax:          "Softmax",
	NodeKindSoftmaxGrad:      "SoftmaxGrad",
}

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	if k < 0 || k >= NodeKindLast {
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
	return nodeKindNames[k]
}

// numInputs required by each kind.
var numInputs = [NodeKindLast]int{
	NodeKindInput:            0,
	NodeKindConstant:         0,
	NodeKindOutput:           1,
	NodeKindMax:              2,
	NodeKindMin:              2,
	NodeKindSelect:           3,
	NodeKindBatchedAdd:       2,
	NodeKindBatchedReduceAdd: 1,
	NodeKindReshape:          1,
	NodeKindRelu:             1,
	NodeKindSigmoid:          1,
	NodeKindTanh:             1,
	NodeKindFullyConnected:   3,
	NodeKindConvolution:      3,
	NodeKindSoftmax:          1,
	NodeKindSoftmaxGrad:      2,
}

// NumInputs returns the number of input edges a node of this kind takes.
func (k NodeKind) NumInputs() int {
	if k <= NodeKindInvalid || k >= NodeKindLast {
		return 0
	}
	return numInputs[k]
}

// NumOutputs returns the number of output edges a node of this kind produces.
func (k NodeKind) NumOutputs() int {
	if k <= NodeKindInvalid || k >= NodeKindLast || k == NodeKindOutput {
		return 0
	}
	return 1
}

// IsElementwise returns whether each output element depends only on the input elements at the same position.
// Operators of these kinds can safely write their output over one of their inputs.
func (k NodeKind) IsElementwise() bool {
	switch k {
	case NodeKindMax, NodeKindMin, NodeKindSelect, NodeKindRelu, NodeKindSigmoid, NodeKindTanh:
		return true
	}
	return false
}
