package jit

import (
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/internal/workerspool"
	"github.com/xrick/glow/pkg/core/ir"
)

// kernel executes one compiled instruction on the storage of one execution.
type kernel func(f *frame)

// step is a compiled instruction.
type step struct {
	// index of the instruction in the program, for error reporting.
	index int
	op    ir.Opcode
	fn    kernel
}

// compiledUnit is the result of compiling a program. It is immutable and can be executed concurrently:
// each execution takes its own frame from the pool.
type compiledUnit struct {
	steps []step

	numBuffers int

	// tempOffsets is the offset in the arena of each temporary buffer, or -1 for the other buffers.
	tempOffsets []int
	bufferSizes []int

	// arenaSize and scratchSize in number of float32 elements.
	arenaSize, scratchSize int

	// outputMemory is the storage allocated per execution for the outputs.
	outputMemory uintptr

	framePool sync.Pool
}

// frame holds the storage of one execution, indexed by ir.BufferID: temporary buffers point into the
// arena at static offsets, the other buffers are bound to the caller's inputs, the program constants and
// newly allocated outputs.
type frame struct {
	arena   []float32
	scratch []float32
	f32     [][]float32
	u64     [][]uint64

	// current step, for error reporting.
	current int
}

// memory returns the bytes required by one execution.
func (u *compiledUnit) memory() uint64 {
	return uint64(u.arenaSize+u.scratchSize)*4 + uint64(u.outputMemory)
}

func (u *compiledUnit) newFrame() *frame {
	f := &frame{
		arena:   make([]float32, u.arenaSize),
		scratch: make([]float32, u.scratchSize),
		f32:     make([][]float32, u.numBuffers),
		u64:     make([][]uint64, u.numBuffers),
	}
	for bufID, offset := range u.tempOffsets {
		if offset >= 0 {
			f.f32[bufID] = f.arena[offset : offset+u.bufferSizes[bufID]]
		}
	}
	return f
}

// getFrame returns a frame from the pool, with the temporary buffers already pointing to the arena.
func (u *compiledUnit) getFrame() *frame {
	return u.framePool.Get().(*frame)
}

// putFrame drops the references to the caller's storage and returns the frame to the pool.
func (u *compiledUnit) putFrame(f *frame) {
	for bufID, offset := range u.tempOffsets {
		if offset < 0 {
			f.f32[bufID] = nil
			f.u64[bufID] = nil
		}
	}
	u.framePool.Put(f)
}

// compiler translates one program into a compiledUnit.
type compiler struct {
	backend *Backend
	program *ir.Program
	workers *workerspool.Pool
	unit    *compiledUnit
}

func newCompiler(backend *Backend, program *ir.Program) *compiler {
	return &compiler{
		backend: backend,
		program: program,
		workers: backend.workers,
		unit:    &compiledUnit{numBuffers: len(program.Buffers)},
	}
}

func (c *compiler) compileError(index int, op ir.Opcode, err error) error {
	return errors.WithStack(&backends.CompileError{Backend: BackendName, Instruction: index, Op: op, Err: err})
}

func (c *compiler) compile() (*compiledUnit, error) {
	u := c.unit
	if err := c.planArena(); err != nil {
		return nil, err
	}
	u.bufferSizes = make([]int, len(c.program.Buffers))
	for ii, buf := range c.program.Buffers {
		u.bufferSizes[ii] = buf.Shape.Size()
		if buf.Kind == ir.BufferOutput {
			u.outputMemory += buf.Memory()
		}
	}
	u.framePool.New = func() any { return u.newFrame() }
	for idx, inst := range c.program.Instructions {
		if !inst.Op.WritesDest() {
			// Storage is static and views share their operand's storage: nothing to do at execution time.
			continue
		}
		fn, err := c.kernel(inst)
		if err != nil {
			return nil, c.compileError(idx, inst.Op, err)
		}
		u.steps = append(u.steps, step{index: idx, op: inst.Op, fn: fn})
	}
	return u, nil
}

// kernel generates the code of one compute instruction.
func (c *compiler) kernel(inst ir.Instruction) (kernel, error) {
	switch inst.Op {
	case ir.OpCopy:
		return c.copyKernel(inst), nil
	case ir.OpElementwiseMax:
		return c.binaryKernel(inst, func(a, b float32) float32 { return max(a, b) }), nil
	case ir.OpElementwiseMin:
		return c.binaryKernel(inst, func(a, b float32) float32 { return min(a, b) }), nil
	case ir.OpSelect:
		return c.selectKernel(inst)
	case ir.OpBatchedAdd:
		return c.batchedAddKernel(inst), nil
	case ir.OpBatchedReduceAdd:
		return c.batchedReduceAddKernel(inst), nil
	case ir.OpRelu:
		return c.reluKernel(inst), nil
	case ir.OpSigmoid:
		return c.sigmoidKernel(inst), nil
	case ir.OpTanh:
		return c.tanhKernel(inst), nil
	case ir.OpFullyConnected:
		return c.fullyConnectedKernel(inst), nil
	case ir.OpConvolution:
		return c.convolutionKernel(inst), nil
	case ir.OpSoftmax:
		return c.softmaxKernel(inst), nil
	case ir.OpSoftmaxGrad:
		return c.softmaxGradKernel(inst), nil
	}
	return nil, errors.Errorf("no code generator for opcode %s", inst.Op)
}

// buffer returns the buffer index backing the slot.
func (c *compiler) buffer(slot ir.SlotID) int {
	return int(c.program.Slot(slot).Buffer)
}

// interval of the arena, in float32 elements.
type interval struct {
	offset, size int
}

// arenaPlanner assigns arena offsets first-fit, reusing regions released by OpDealloc.
type arenaPlanner struct {
	free []interval // Sorted by offset, never adjacent.
	top  int
}

func (a *arenaPlanner) alloc(size int) int {
	for ii, region := range a.free {
		if region.size < size {
			continue
		}
		if region.size == size {
			a.free = slices.Delete(a.free, ii, ii+1)
		} else {
			a.free[ii] = interval{region.offset + size, region.size - size}
		}
		return region.offset
	}
	if n := len(a.free); n > 0 && a.free[n-1].offset+a.free[n-1].size == a.top {
		// Grow the last free region.
		offset := a.free[n-1].offset
		a.free = a.free[:n-1]
		a.top = offset + size
		return offset
	}
	offset := a.top
	a.top += size
	return offset
}

func (a *arenaPlanner) release(offset, size int) {
	pos, _ := slices.BinarySearchFunc(a.free, offset, func(region interval, target int) int {
		return region.offset - target
	})
	a.free = slices.Insert(a.free, pos, interval{offset, size})
	if pos+1 < len(a.free) && a.free[pos].offset+a.free[pos].size == a.free[pos+1].offset {
		a.free[pos].size += a.free[pos+1].size
		a.free = slices.Delete(a.free, pos+1, pos+2)
	}
	if pos > 0 && a.free[pos-1].offset+a.free[pos-1].size == a.free[pos].offset {
		a.free[pos-1].size += a.free[pos].size
		a.free = slices.Delete(a.free, pos, pos+1)
	}
}

// planArena assigns a static arena offset to every temporary buffer, following the lifetimes given by
// the OpAlloc/OpDealloc instructions.
//
// A buffer shared by several slots is allocated and deallocated once per slot. Its offset is static, so
// it holds one region from its first OpAlloc to its last OpDealloc.
func (c *compiler) planArena() error {
	p := c.program
	u := c.unit
	u.tempOffsets = make([]int, len(p.Buffers))
	lastDealloc := make([]int, len(p.Buffers))
	for ii := range u.tempOffsets {
		u.tempOffsets[ii] = -1
		lastDealloc[ii] = -1
	}
	for idx, inst := range p.Instructions {
		if inst.Op == ir.OpDealloc {
			lastDealloc[p.Slot(inst.Dest).Buffer] = idx
		}
	}
	var planner arenaPlanner
	for idx, inst := range p.Instructions {
		if !inst.Op.IsLifetimeMarker() {
			continue
		}
		buf := p.BufferOf(inst.Dest)
		if buf.Kind != ir.BufferTemp {
			continue
		}
		if buf.Shape.DType != dtypes.Float32 {
			return c.compileError(idx, inst.Op, errors.Errorf("temporary buffer $%d of kind %s not supported",
				buf.ID, buf.Shape.DType))
		}
		switch {
		case inst.Op == ir.OpAlloc && u.tempOffsets[buf.ID] < 0:
			u.tempOffsets[buf.ID] = planner.alloc(buf.Shape.Size())
		case inst.Op == ir.OpDealloc && idx == lastDealloc[buf.ID]:
			planner.release(u.tempOffsets[buf.ID], buf.Shape.Size())
		}
	}
	u.arenaSize = planner.top
	return nil
}
