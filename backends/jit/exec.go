package jit

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/tensors"
)

var _ backends.Executable = (*Executable)(nil)

// Executable binds a program (its inputs, constants and outputs) to a compiled unit, possibly shared with
// other structurally identical programs.
type Executable struct {
	program *ir.Program
	unit    *compiledUnit
}

func newExecutable(program *ir.Program, unit *compiledUnit) *Executable {
	return &Executable{program: program, unit: unit}
}

// Program returns the program being executed.
func (e *Executable) Program() *ir.Program { return e.program }

// Finalize is a no-op: compiled units are owned by the backend cache, and frames are garbage collected.
func (e *Executable) Finalize() {}

// Run executes the compiled unit. It is safe to call concurrently: each call uses its own frame.
func (e *Executable) Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	p, u := e.program, e.unit
	if err := backends.ValidateInputs(p, inputs); err != nil {
		return nil, err
	}
	f := u.getFrame()
	defer u.putFrame(f)

	for ii, binding := range p.Inputs {
		f.bind(p.Slot(binding.Slot).Buffer, inputs[ii].FlatAny())
	}
	for _, constant := range p.Constants {
		f.bind(p.Slot(constant.Slot).Buffer, constant.Value.FlatAny())
	}
	for _, buf := range p.Buffers {
		if buf.Kind == ir.BufferOutput {
			f.bind(buf.ID, tensors.FromShape(buf.Shape).FlatAny())
		}
	}

	err := exceptions.TryCatch[error](func() {
		for ii, st := range u.steps {
			f.current = ii
			st.fn(f)
		}
	})
	if err != nil {
		st := u.steps[f.current]
		return nil, errors.WithStack(&backends.ExecutionError{
			Backend: BackendName, Instruction: st.index, Op: st.op, Err: err})
	}

	outputs := make([]*tensors.Tensor, len(p.Outputs))
	for ii, binding := range p.Outputs {
		slot := p.Slot(binding.Slot)
		var err error
		if flat := f.f32[slot.Buffer]; flat != nil {
			outputs[ii], err = tensors.Bind(flat, slot.Shape.Dimensions...)
		} else {
			outputs[ii], err = tensors.Bind(f.u64[slot.Buffer], slot.Shape.Dimensions...)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "binding output %q", binding.Name)
		}
	}
	return outputs, nil
}

// bind sets the storage of a non-temporary buffer.
func (f *frame) bind(buf ir.BufferID, flat any) {
	switch typed := flat.(type) {
	case []float32:
		f.f32[buf] = typed
	case []uint64:
		f.u64[buf] = typed
	default:
		exceptions.Panicf("jit: unsupported flat storage %T", flat)
	}
}
