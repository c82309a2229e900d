package backends

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// BindingError is returned when the tensors given to an execution don't match the inputs declared by the
// program: missing, unknown, nil, or with the wrong shape or element kind.
type BindingError struct {
	// Input is the name of the input at fault.
	Input string

	// Want is the declared shape, and Got the shape given, if any.
	Want, Got shapes.Shape

	Reason string
}

// Error implements error.
func (e *BindingError) Error() string {
	if e.Want.Ok() || e.Got.Ok() {
		return fmt.Sprintf("binding input %q: %s (want %s, got %s)", e.Input, e.Reason, e.Want, e.Got)
	}
	return fmt.Sprintf("binding input %q: %s", e.Input, e.Reason)
}

// CompileError is returned when a backend can't compile a program: e.g. an instruction it can't translate,
// or a program exceeding its configured limits. It is not retried.
type CompileError struct {
	Backend string

	// Instruction index in the program, or -1 if the error is not specific to one instruction.
	Instruction int
	Op          ir.Opcode
	Err         error
}

// Error implements error.
func (e *CompileError) Error() string {
	if e.Instruction < 0 {
		return fmt.Sprintf("backend %q failed to compile: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend %q failed to compile instruction #%d (%s): %v", e.Backend, e.Instruction, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CompileError) Unwrap() error { return e.Err }

// ExecutionError is returned when an instruction fails because of the values of its operands, e.g. a label
// out of range. No outputs are returned by the failed execution.
type ExecutionError struct {
	Backend     string
	Instruction int
	Op          ir.Opcode
	Err         error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("backend %q failed executing instruction #%d (%s): %v", e.Backend, e.Instruction, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidateInputs checks that the inputs (in the order of program.Inputs) match the declared input slots.
// It returns a *BindingError otherwise.
func ValidateInputs(program *ir.Program, inputs []*tensors.Tensor) error {
	if len(inputs) != len(program.Inputs) {
		return errors.WithStack(&BindingError{
			Reason: fmt.Sprintf("program %q takes %d inputs, %d given", program.Name, len(program.Inputs), len(inputs)),
		})
	}
	for ii, binding := range program.Inputs {
		want := program.Slot(binding.Slot).Shape
		input := inputs[ii]
		if input == nil || !input.Ok() {
			return errors.WithStack(&BindingError{Input: binding.Name, Want: want, Reason: "nil or invalid tensor"})
		}
		if input.DType() != want.DType {
			return errors.WithStack(&BindingError{Input: binding.Name, Want: want, Got: input.Shape(),
				Reason: "element kind mismatch"})
		}
		if !input.Shape().Equal(want) {
			return errors.WithStack(&BindingError{Input: binding.Name, Want: want, Got: input.Shape(),
				Reason: "shape mismatch"})
		}
	}
	return nil
}
