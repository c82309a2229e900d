package jit

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends/internal/fmath"
	"github.com/xrick/glow/internal/workerspool"
	"github.com/xrick/glow/pkg/core/ir"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/vecf32"
)

const (
	// elementwiseChunk is the minimum number of elements processed by a parallel worker.
	elementwiseChunk = 16 * 1024

	// rowsChunkElements is the minimum number of elements in a parallel chunk of rows.
	rowsChunkElements = 4 * 1024
)

// rowsChunk returns the minimum number of rows of the given size processed by a parallel worker.
func rowsChunk(rowSize int) int {
	return max(1, rowsChunkElements/max(rowSize, 1))
}

func (c *compiler) copyKernel(inst ir.Instruction) kernel {
	dst, src := c.buffer(inst.Dest), c.buffer(inst.Operands[0])
	if c.program.Slot(inst.Dest).Shape.DType == dtypes.Uint64 {
		return func(f *frame) { copy(f.u64[dst], f.u64[src]) }
	}
	return func(f *frame) { copy(f.f32[dst], f.f32[src]) }
}

func (c *compiler) binaryKernel(inst ir.Instruction, fn func(a, b float32) float32) kernel {
	dst, lhs, rhs := c.buffer(inst.Dest), c.buffer(inst.Operands[0]), c.buffer(inst.Operands[1])
	workers := c.workers
	return func(f *frame) {
		output, lhsFlat, rhsFlat := f.f32[dst], f.f32[lhs], f.f32[rhs]
		workers.ParallelFor(len(output), elementwiseChunk, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = fn(lhsFlat[ii], rhsFlat[ii])
			}
		})
	}
}

func (c *compiler) unaryKernel(inst ir.Instruction, fn func(x float32) float32) kernel {
	dst, src := c.buffer(inst.Dest), c.buffer(inst.Operands[0])
	workers := c.workers
	return func(f *frame) {
		output, operand := f.f32[dst], f.f32[src]
		workers.ParallelFor(len(output), elementwiseChunk, func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = fn(operand[ii])
			}
		})
	}
}

func (c *compiler) reluKernel(inst ir.Instruction) kernel    { return c.unaryKernel(inst, fmath.Relu) }
func (c *compiler) sigmoidKernel(inst ir.Instruction) kernel { return c.unaryKernel(inst, fmath.Sigmoid) }
func (c *compiler) tanhKernel(inst ir.Instruction) kernel    { return c.unaryKernel(inst, fmath.Tanh) }

func (c *compiler) selectKernel(inst ir.Instruction) (kernel, error) {
	dst, cond := c.buffer(inst.Dest), c.buffer(inst.Operands[0])
	onTrue, onFalse := c.buffer(inst.Operands[1]), c.buffer(inst.Operands[2])
	workers := c.workers
	switch dtype := c.program.Slot(inst.Operands[0]).Shape.DType; dtype {
	case dtypes.Float32:
		return func(f *frame) {
			selectChunks(workers, f.f32[dst], f.f32[cond], f.f32[onTrue], f.f32[onFalse])
		}, nil
	case dtypes.Uint64:
		return func(f *frame) {
			selectChunks(workers, f.f32[dst], f.u64[cond], f.f32[onTrue], f.f32[onFalse])
		}, nil
	default:
		return nil, errors.Errorf("select condition of kind %s not supported", dtype)
	}
}

// selectChunks picks onTrue where the condition is not zero, NaN included.
func selectChunks[C float32 | uint64](workers *workerspool.Pool, output []float32, condition []C,
	onTrue, onFalse []float32) {
	workers.ParallelFor(len(output), elementwiseChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			if condition[ii] != 0 {
				output[ii] = onTrue[ii]
			} else {
				output[ii] = onFalse[ii]
			}
		}
	})
}

// batchedAddKernel adds the slice to each row of the batch with a vectorized add.
func (c *compiler) batchedAddKernel(inst ir.Instruction) kernel {
	dst, batch, slice := c.buffer(inst.Dest), c.buffer(inst.Operands[0]), c.buffer(inst.Operands[1])
	sliceSize := c.program.Slot(inst.Operands[1]).Shape.Size()
	numRows := c.program.Slot(inst.Operands[0]).Shape.Size() / sliceSize
	workers := c.workers
	return func(f *frame) {
		output, batchFlat, sliceFlat := f.f32[dst], f.f32[batch], f.f32[slice]
		workers.ParallelFor(numRows, rowsChunk(sliceSize), func(start, end int) {
			for row := start; row < end; row++ {
				outRow := output[row*sliceSize : (row+1)*sliceSize]
				copy(outRow, batchFlat[row*sliceSize:(row+1)*sliceSize])
				vecf32.Add(outRow, sliceFlat)
			}
		})
	}
}

// batchedReduceAddKernel sums the rows of the batch. Work is split by columns, so each output element
// still accumulates the rows in increasing order.
func (c *compiler) batchedReduceAddKernel(inst ir.Instruction) kernel {
	dst, batch := c.buffer(inst.Dest), c.buffer(inst.Operands[0])
	sliceSize := c.program.Slot(inst.Dest).Shape.Size()
	numRows := c.program.Slot(inst.Operands[0]).Shape.Size() / sliceSize
	workers := c.workers
	return func(f *frame) {
		output, batchFlat := f.f32[dst], f.f32[batch]
		workers.ParallelFor(sliceSize, elementwiseChunk/max(numRows, 1), func(start, end int) {
			acc := output[start:end]
			clear(acc)
			for row := range numRows {
				base := row * sliceSize
				vecf32.Add(acc, batchFlat[base+start:base+end])
			}
		})
	}
}

// addBiasRows adds bias to each of the rows of output.
func addBiasRows(workers *workerspool.Pool, output, bias []float32) {
	rowSize := len(bias)
	workers.ParallelFor(len(output)/rowSize, rowsChunk(rowSize), func(start, end int) {
		for row := start; row < end; row++ {
			vecf32.Add(output[row*rowSize:(row+1)*rowSize], bias)
		}
	})
}

// fullyConnectedKernel computes output[n, m] = sum_k(input[n, k] * weights[k, m]) + bias[m].
//
// By default it uses a BLAS GEMM. With the "noblas" option it accumulates over k in increasing order
// exactly like the interpreter, parallelized over the batch.
func (c *compiler) fullyConnectedKernel(inst ir.Instruction) kernel {
	dst := c.buffer(inst.Dest)
	input, weights, bias := c.buffer(inst.Operands[0]), c.buffer(inst.Operands[1]), c.buffer(inst.Operands[2])
	inputShape := c.program.Slot(inst.Operands[0]).Shape
	batchSize, inputDim := inputShape.Dimensions[0], inputShape.Dimensions[1]
	outputDim := c.program.Slot(inst.Operands[2]).Shape.Size()
	workers := c.workers

	if c.backend.useBLAS {
		return func(f *frame) {
			output := f.f32[dst]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: batchSize, Cols: inputDim, Stride: inputDim, Data: f.f32[input]},
				blas32.General{Rows: inputDim, Cols: outputDim, Stride: outputDim, Data: f.f32[weights]},
				0,
				blas32.General{Rows: batchSize, Cols: outputDim, Stride: outputDim, Data: output})
			addBiasRows(workers, output, f.f32[bias])
		}
	}

	return func(f *frame) {
		output, inputFlat, weightsFlat, biasFlat := f.f32[dst], f.f32[input], f.f32[weights], f.f32[bias]
		workers.ParallelFor(batchSize, rowsChunk(inputDim*outputDim), func(start, end int) {
			for n := start; n < end; n++ {
				row := inputFlat[n*inputDim : (n+1)*inputDim]
				for m := range outputDim {
					var acc float32
					for k, x := range row {
						acc += float32(x * weightsFlat[k*outputDim+m])
					}
					output[n*outputDim+m] = acc + biasFlat[m]
				}
			}
		})
	}
}

// convolutionKernel computes the NHWC 2D convolution.
//
// The positions of the input patch of every output position are resolved at compile time into a table of
// offsets (-1 for taps falling in the zero padding). By default each example is converted into a matrix of
// patches (im2col) multiplied by the filter with a BLAS GEMM. With the "noblas" option it accumulates over
// (kernelRow, kernelCol, channel) in increasing order, exactly like the interpreter.
func (c *compiler) convolutionKernel(inst ir.Instruction) kernel {
	dst := c.buffer(inst.Dest)
	input, filter, bias := c.buffer(inst.Operands[0]), c.buffer(inst.Operands[1]), c.buffer(inst.Operands[2])
	inDims := c.program.Slot(inst.Operands[0]).Shape.Dimensions
	filterDims := c.program.Slot(inst.Operands[1]).Shape.Dimensions
	outDims := c.program.Slot(inst.Dest).Shape.Dimensions
	batchSize, height, width, channels := inDims[0], inDims[1], inDims[2], inDims[3]
	outChannels, kernelHeight, kernelWidth := filterDims[0], filterDims[1], filterDims[2]
	outHeight, outWidth := outDims[1], outDims[2]
	numTaps := kernelHeight * kernelWidth
	numPositions := outHeight * outWidth
	imageSize := height * width * channels
	patchSize := numTaps * channels

	tapOffsets := make([]int, numPositions*numTaps)
	for oh := range outHeight {
		for ow := range outWidth {
			for kh := range kernelHeight {
				for kw := range kernelWidth {
					ih := oh*inst.Stride - inst.Pad + kh
					iw := ow*inst.Stride - inst.Pad + kw
					offset := -1
					if ih >= 0 && ih < height && iw >= 0 && iw < width {
						offset = (ih*width + iw) * channels
					}
					tapOffsets[((oh*outWidth+ow)*kernelHeight+kh)*kernelWidth+kw] = offset
				}
			}
		}
	}
	workers := c.workers

	if c.backend.useBLAS {
		c.unit.scratchSize = max(c.unit.scratchSize, numPositions*patchSize)
		return func(f *frame) {
			output, inputFlat, filterFlat := f.f32[dst], f.f32[input], f.f32[filter]
			patches := f.scratch[:numPositions*patchSize]
			for n := range batchSize {
				image := inputFlat[n*imageSize : (n+1)*imageSize]
				workers.ParallelFor(numPositions, rowsChunk(patchSize), func(start, end int) {
					for pos := start; pos < end; pos++ {
						for tap, offset := range tapOffsets[pos*numTaps : (pos+1)*numTaps] {
							patch := patches[pos*patchSize+tap*channels : pos*patchSize+(tap+1)*channels]
							if offset < 0 {
								clear(patch)
							} else {
								copy(patch, image[offset:offset+channels])
							}
						}
					}
				})
				outputSize := numPositions * outChannels
				blas32.Gemm(blas.NoTrans, blas.Trans, 1,
					blas32.General{Rows: numPositions, Cols: patchSize, Stride: patchSize, Data: patches},
					blas32.General{Rows: outChannels, Cols: patchSize, Stride: patchSize, Data: filterFlat},
					0,
					blas32.General{Rows: numPositions, Cols: outChannels, Stride: outChannels,
						Data: output[n*outputSize : (n+1)*outputSize]})
			}
			addBiasRows(workers, output, f.f32[bias])
		}
	}

	return func(f *frame) {
		output, inputFlat, filterFlat, biasFlat := f.f32[dst], f.f32[input], f.f32[filter], f.f32[bias]
		workers.ParallelFor(batchSize*numPositions, rowsChunk(outChannels*patchSize), func(start, end int) {
			for row := start; row < end; row++ {
				n, pos := row/numPositions, row%numPositions
				image := inputFlat[n*imageSize : (n+1)*imageSize]
				offsets := tapOffsets[pos*numTaps : (pos+1)*numTaps]
				outRow := output[row*outChannels : (row+1)*outChannels]
				for d := range outChannels {
					var acc float32
					for tap, offset := range offsets {
						if offset < 0 {
							continue
						}
						filterBase := (d*numTaps + tap) * channels
						for ch := range channels {
							acc += float32(image[offset+ch] * filterFlat[filterBase+ch])
						}
					}
					outRow[d] = acc + biasFlat[d]
				}
			}
		})
	}
}

func (c *compiler) softmaxKernel(inst ir.Instruction) kernel {
	dst, logits := c.buffer(inst.Dest), c.buffer(inst.Operands[0])
	rowSize := c.program.Slot(inst.Operands[0]).Shape.Dim(-1)
	numRows := c.program.Slot(inst.Operands[0]).Shape.Size() / rowSize
	workers := c.workers
	return func(f *frame) {
		output, logitsFlat := f.f32[dst], f.f32[logits]
		workers.ParallelFor(numRows, rowsChunk(rowSize), func(start, end int) {
			for row := start; row < end; row++ {
				fmath.SoftmaxRow(output[row*rowSize:(row+1)*rowSize], logitsFlat[row*rowSize:(row+1)*rowSize])
			}
		})
	}
}

// softmaxGradKernel computes softmax(logits) - onehot(labels). Labels are checked before any work is
// split among the workers.
func (c *compiler) softmaxGradKernel(inst ir.Instruction) kernel {
	dst, logits, labels := c.buffer(inst.Dest), c.buffer(inst.Operands[0]), c.buffer(inst.Operands[1])
	numClasses := c.program.Slot(inst.Operands[0]).Shape.Dim(-1)
	numRows := c.program.Slot(inst.Operands[0]).Shape.Size() / numClasses
	workers := c.workers
	return func(f *frame) {
		output, logitsFlat, labelsFlat := f.f32[dst], f.f32[logits], f.u64[labels]
		for n, label := range labelsFlat {
			if label >= uint64(numClasses) {
				exceptions.Panicf("label %d for example #%d out of range: there are only %d classes",
					label, n, numClasses)
			}
		}
		workers.ParallelFor(numRows, rowsChunk(numClasses), func(start, end int) {
			for row := start; row < end; row++ {
				outRow := output[row*numClasses : (row+1)*numClasses]
				fmath.SoftmaxRow(outRow, logitsFlat[row*numClasses:(row+1)*numClasses])
				outRow[labelsFlat[row]] -= 1
			}
		})
	}
}
