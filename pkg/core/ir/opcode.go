package ir

import "fmt"

// Opcode of an Instruction.
type Opcode int

const (
	OpInvalid Opcode = iota

	// OpAlloc marks the start of the lifetime of its Dest slot: storage for it must be available.
	OpAlloc

	// OpDealloc marks the end of the lifetime of its Dest slot: its storage can be released or reused.
	OpDealloc

	// OpCopy copies Operands[0] into Dest, both with the same number of elements.
	OpCopy

	OpElementwiseMax
	OpElementwiseMin
	OpSelect
	OpBatchedAdd
	OpBatchedReduceAdd

	// OpReshape defines Dest as a view of Operands[0] with a different shape: no data is moved.
	OpReshape

	OpRelu
	OpSigmoid
	OpTanh
	OpFullyConnected
	OpConvolution
	OpSoftmax
	OpSoftmaxGrad

	// OpLast should always be kept the last, it is used as a counter/marker for Opcode.
	OpLast
)

var opcodeNames = [OpLast]string{
	OpInvalid:          "invalid",
	OpAlloc:            "alloc",
	OpDealloc:          "dealloc",
	OpCopy:             "copy",
	OpElementwiseMax:   "elementwisemax",
	OpElementwiseMin:   "elementwisemin",
	OpSelect:           "select",
	OpBatchedAdd:       "batchedadd",
	OpBatchedReduceAdd: "batchedreduceadd",
	OpReshape:          "reshape",
	OpRelu:             "relu",
	OpSigmoid:          "sigmoid",
	OpTanh:             "tanh",
	OpFullyConnected:   "fullyconnected",
	OpConvolution:      "convolution",
	OpSoftmax:          "softmax",
	OpSoftmaxGrad:      "softmaxgrad",
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	if op < 0 || op >= OpLast {
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
	return opcodeNames[op]
}

var opcodeNumOperands = [OpLast]int{
	OpAlloc:            0,
	OpDealloc:          0,
	OpCopy:             1,
	OpElementwiseMax:   2,
	OpElementwiseMin:   2,
	OpSelect:           3,
	OpBatchedAdd:       2,
	OpBatchedReduceAdd: 1,
	OpReshape:          1,
	OpRelu:             1,
	OpSigmoid:          1,
	OpTanh:             1,
	OpFullyConnected:   3,
	OpConvolution:      3,
	OpSoftmax:          1,
	OpSoftmaxGrad:      2,
}

// NumOperands returns the number of operand slots the opcode reads.
func (op Opcode) NumOperands() int {
	if op <= OpInvalid || op >= OpLast {
		return 0
	}
	return opcodeNumOperands[op]
}

// IsLifetimeMarker returns whether the opcode is OpAlloc or OpDealloc, which compute nothing.
func (op Opcode) IsLifetimeMarker() bool {
	return op == OpAlloc || op == OpDealloc
}

// WritesDest returns whether the instruction writes data into its Dest slot.
func (op Opcode) WritesDest() bool {
	return op > OpDealloc && op < OpLast && op != OpReshape
}
