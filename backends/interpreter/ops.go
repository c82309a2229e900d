package interpreter

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/xrick/glow/backends/internal/fmath"
	"github.com/xrick/glow/pkg/core/ir"
	"golang.org/x/exp/constraints"
)

// executor executes one instruction. Failures are thrown with exceptions.Panicf.
type executor func(e *Executable, state *executionState, inst ir.Instruction)

// executors maps each opcode to its handler. It is populated in init.
var executors [ir.OpLast]executor

func init() {
	executors[ir.OpAlloc] = execAlloc
	executors[ir.OpDealloc] = execDealloc
	executors[ir.OpCopy] = execCopy
	executors[ir.OpReshape] = execReshape
	executors[ir.OpElementwiseMax] = execBinary(func(a, b float32) float32 { return max(a, b) })
	executors[ir.OpElementwiseMin] = execBinary(func(a, b float32) float32 { return min(a, b) })
	executors[ir.OpSelect] = execSelect
	executors[ir.OpBatchedAdd] = execBatchedAdd
	executors[ir.OpBatchedReduceAdd] = execBatchedReduceAdd
	executors[ir.OpRelu] = execUnary(fmath.Relu)
	executors[ir.OpSigmoid] = execUnary(fmath.Sigmoid)
	executors[ir.OpTanh] = execUnary(fmath.Tanh)
	executors[ir.OpFullyConnected] = execFullyConnected
	executors[ir.OpConvolution] = execConvolution
	executors[ir.OpSoftmax] = execSoftmax
	executors[ir.OpSoftmaxGrad] = execSoftmaxGrad
}

// flatOf returns the storage of the slot: the flat slice of its buffer.
func flatOf[T float32 | uint64](e *Executable, state *executionState, slot ir.SlotID) []T {
	flat := state.buffers[e.program.Slot(slot).Buffer]
	if flat == nil {
		exceptions.Panicf("slot %%%d (%q) has no storage", slot, e.program.Slot(slot).Name)
	}
	return flat.([]T)
}

func execAlloc(e *Executable, state *executionState, inst ir.Instruction) {
	buf := e.program.BufferOf(inst.Dest)
	if buf.Kind == ir.BufferOutput {
		state.buffers[buf.ID] = newFlat(buf.Shape.DType, buf.Shape.Size())
		return
	}
	state.buffers[buf.ID] = e.backend.getFlat(buf.Shape.DType, buf.Shape.Size())
}

func execDealloc(e *Executable, state *executionState, inst ir.Instruction) {
	buf := e.program.BufferOf(inst.Dest)
	e.backend.putFlat(buf.Shape.DType, state.buffers[buf.ID])
	state.buffers[buf.ID] = nil
}

// execReshape is a no-op: the destination slot is a view sharing the operand's buffer.
func execReshape(_ *Executable, _ *executionState, _ ir.Instruction) {}

func execCopy(e *Executable, state *executionState, inst ir.Instruction) {
	switch e.program.Slot(inst.Dest).Shape.DType {
	case dtypes.Float32:
		copy(flatOf[float32](e, state, inst.Dest), flatOf[float32](e, state, inst.Operands[0]))
	case dtypes.Uint64:
		copy(flatOf[uint64](e, state, inst.Dest), flatOf[uint64](e, state, inst.Operands[0]))
	}
}

func execBinary(fn func(a, b float32) float32) executor {
	return func(e *Executable, state *executionState, inst ir.Instruction) {
		binaryLoop(flatOf[float32](e, state, inst.Dest),
			flatOf[float32](e, state, inst.Operands[0]), flatOf[float32](e, state, inst.Operands[1]), fn)
	}
}

func binaryLoop[T constraints.Float](output, lhs, rhs []T, fn func(a, b T) T) {
	for ii := range output {
		output[ii] = fn(lhs[ii], rhs[ii])
	}
}

func execUnary(fn func(x float32) float32) executor {
	return func(e *Executable, state *executionState, inst ir.Instruction) {
		output, operand := flatOf[float32](e, state, inst.Dest), flatOf[float32](e, state, inst.Operands[0])
		for ii := range output {
			output[ii] = fn(operand[ii])
		}
	}
}

func execSelect(e *Executable, state *executionState, inst ir.Instruction) {
	output := flatOf[float32](e, state, inst.Dest)
	onTrue, onFalse := flatOf[float32](e, state, inst.Operands[1]), flatOf[float32](e, state, inst.Operands[2])
	switch e.program.Slot(inst.Operands[0]).Shape.DType {
	case dtypes.Float32:
		selectLoop(output, flatOf[float32](e, state, inst.Operands[0]), onTrue, onFalse)
	case dtypes.Uint64:
		selectLoop(output, flatOf[uint64](e, state, inst.Operands[0]), onTrue, onFalse)
	}
}

// selectLoop picks onTrue where the condition is not zero. NaN conditions are not zero.
func selectLoop[C float32 | uint64](output []float32, condition []C, onTrue, onFalse []float32) {
	for ii := range output {
		if condition[ii] != 0 {
			output[ii] = onTrue[ii]
		} else {
			output[ii] = onFalse[ii]
		}
	}
}

func execBatchedAdd(e *Executable, state *executionState, inst ir.Instruction) {
	output := flatOf[float32](e, state, inst.Dest)
	batch, slice := flatOf[float32](e, state, inst.Operands[0]), flatOf[float32](e, state, inst.Operands[1])
	sliceSize := len(slice)
	for start := 0; start < len(output); start += sliceSize {
		for ii, v := range slice {
			output[start+ii] = batch[start+ii] + v
		}
	}
}

// execBatchedReduceAdd sums the batch elements in increasing order of the leading axis.
func execBatchedReduceAdd(e *Executable, state *executionState, inst ir.Instruction) {
	output, batch := flatOf[float32](e, state, inst.Dest), flatOf[float32](e, state, inst.Operands[0])
	sliceSize := len(output)
	clear(output)
	for start := 0; start < len(batch); start += sliceSize {
		for ii := range output {
			output[ii] += batch[start+ii]
		}
	}
}

// execFullyConnected computes output[n, m] = sum_k(input[n, k] * weights[k, m]) + bias[m], accumulating
// over k in increasing order.
func execFullyConnected(e *Executable, state *executionState, inst ir.Instruction) {
	p := e.program
	inputShape := p.Slot(inst.Operands[0]).Shape
	batchSize, inputDim := inputShape.Dimensions[0], inputShape.Dimensions[1]
	output := flatOf[float32](e, state, inst.Dest)
	input, weights := flatOf[float32](e, state, inst.Operands[0]), flatOf[float32](e, state, inst.Operands[1])
	bias := flatOf[float32](e, state, inst.Operands[2])
	outputDim := len(bias)
	for n := range batchSize {
		row := input[n*inputDim : (n+1)*inputDim]
		for m := range outputDim {
			var acc float32
			for k, x := range row {
				acc += float32(x * weights[k*outputDim+m])
			}
			output[n*outputDim+m] = acc + bias[m]
		}
	}
}

// execConvolution computes the NHWC 2D convolution. For each output element it accumulates over
// (kernelRow, kernelCol, channel) in increasing order, skipping positions that fall in the zero padding.
func execConvolution(e *Executable, state *executionState, inst ir.Instruction) {
	p := e.program
	inDims := p.Slot(inst.Operands[0]).Shape.Dimensions
	filterDims := p.Slot(inst.Operands[1]).Shape.Dimensions
	outDims := p.Slot(inst.Dest).Shape.Dimensions
	batchSize, height, width, channels := inDims[0], inDims[1], inDims[2], inDims[3]
	outChannels, kernelHeight, kernelWidth := filterDims[0], filterDims[1], filterDims[2]
	outHeight, outWidth := outDims[1], outDims[2]
	stride, pad := inst.Stride, inst.Pad

	output := flatOf[float32](e, state, inst.Dest)
	input, filter := flatOf[float32](e, state, inst.Operands[0]), flatOf[float32](e, state, inst.Operands[1])
	bias := flatOf[float32](e, state, inst.Operands[2])
	outIdx := 0
	for n := range batchSize {
		for oh := range outHeight {
			for ow := range outWidth {
				for d := range outChannels {
					var acc float32
					for kh := range kernelHeight {
						ih := oh*stride - pad + kh
						if ih < 0 || ih >= height {
							continue
						}
						for kw := range kernelWidth {
							iw := ow*stride - pad + kw
							if iw < 0 || iw >= width {
								continue
							}
							inBase := ((n*height+ih)*width + iw) * channels
							filterBase := ((d*kernelHeight+kh)*kernelWidth + kw) * channels
							for c := range channels {
								acc += float32(input[inBase+c] * filter[filterBase+c])
							}
						}
					}
					output[outIdx] = acc + bias[d]
					outIdx++
				}
			}
		}
	}
}

// softmaxRows computes the numerically stable softmax of each row of logits into output.
func softmaxRows(output, logits []float32, rowSize int) {
	for start := 0; start < len(logits); start += rowSize {
		fmath.SoftmaxRow(output[start:start+rowSize], logits[start:start+rowSize])
	}
}

func execSoftmax(e *Executable, state *executionState, inst ir.Instruction) {
	logitsShape := e.program.Slot(inst.Operands[0]).Shape
	softmaxRows(flatOf[float32](e, state, inst.Dest), flatOf[float32](e, state, inst.Operands[0]), logitsShape.Dim(-1))
}

// execSoftmaxGrad computes softmax(logits) - onehot(labels).
func execSoftmaxGrad(e *Executable, state *executionState, inst ir.Instruction) {
	numClasses := e.program.Slot(inst.Operands[0]).Shape.Dim(-1)
	output := flatOf[float32](e, state, inst.Dest)
	softmaxRows(output, flatOf[float32](e, state, inst.Operands[0]), numClasses)
	for n, label := range flatOf[uint64](e, state, inst.Operands[1]) {
		if label >= uint64(numClasses) {
			exceptions.Panicf("label %d for example #%d out of range: there are only %d classes", label, n, numClasses)
		}
		output[n*numClasses+int(label)] -= 1
	}
}
