package interpreter

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

var _ backends.Executable = (*Executable)(nil)

// Executable holds a program bound to the interpreter. It assumes the program is valid (see ir.Verify), so
// the handlers don't need to duplicate the checks.
type Executable struct {
	backend *Backend
	program *ir.Program

	// executionStatePool allow for re-use of executionState.
	executionStatePool sync.Pool
}

// executionState holds the storage of one execution: one flat slice per buffer of the program.
// One is taken from the pool per call to Run.
type executionState struct {
	// buffers indexed by ir.BufferID. nil if the buffer is not currently allocated (or bound).
	buffers []any

	// current instruction index, for error reporting.
	current int
}

func newExecutable(backend *Backend, program *ir.Program) *Executable {
	e := &Executable{backend: backend, program: program}
	e.executionStatePool = sync.Pool{
		New: func() any {
			return &executionState{buffers: make([]any, len(program.Buffers))}
		},
	}
	return e
}

// Program returns the program being executed.
func (e *Executable) Program() *ir.Program { return e.program }

// Finalize is a no-op: the pooled storage belongs to the backend.
func (e *Executable) Finalize() {}

// Run executes the program instructions in order. See backends.Executable.
func (e *Executable) Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	p := e.program
	if err := backends.ValidateInputs(p, inputs); err != nil {
		return nil, err
	}
	state := e.executionStatePool.Get().(*executionState)
	defer e.releaseState(state)

	for ii, binding := range p.Inputs {
		state.buffers[p.Slot(binding.Slot).Buffer] = inputs[ii].FlatAny()
	}
	for _, constant := range p.Constants {
		state.buffers[p.Slot(constant.Slot).Buffer] = constant.Value.FlatAny()
	}

	err := exceptions.TryCatch[error](func() {
		for idx, inst := range p.Instructions {
			state.current = idx
			if e.backend.trace {
				klog.V(2).Infof("interpreter: %q #%d: %s", p.Name, idx, p.InstructionString(inst))
			}
			executors[inst.Op](e, state, inst)
		}
	})
	if err != nil {
		inst := p.Instructions[state.current]
		return nil, errors.WithStack(&backends.ExecutionError{
			Backend: BackendName, Instruction: state.current, Op: inst.Op, Err: err})
	}

	outputs := make([]*tensors.Tensor, len(p.Outputs))
	for ii, binding := range p.Outputs {
		slot := p.Slot(binding.Slot)
		outputs[ii] = bindFlat(state.buffers[slot.Buffer], slot.Shape.Dimensions)
		// The output storage now belongs to the caller.
		state.buffers[slot.Buffer] = nil
	}
	return outputs, nil
}

// releaseState returns temporary storage still held (only after a failed execution) to the pool,
// drops references to caller data and puts the state back in the pool.
func (e *Executable) releaseState(state *executionState) {
	for bufID, flat := range state.buffers {
		if flat == nil {
			continue
		}
		buf := e.program.Buffers[bufID]
		if buf.Kind == ir.BufferTemp {
			e.backend.putFlat(buf.Shape.DType, flat)
		}
		state.buffers[bufID] = nil
	}
	e.executionStatePool.Put(state)
}

// bindFlat creates a tensor using flat as storage.
func bindFlat(flat any, dimensions []int) *tensors.Tensor {
	switch typed := flat.(type) {
	case []float32:
		return must.M1(tensors.Bind(typed, dimensions...))
	case []uint64:
		return must.M1(tensors.Bind(typed, dimensions...))
	}
	exceptions.Panicf("interpreter: unsupported flat storage %T", flat)
	return nil
}
