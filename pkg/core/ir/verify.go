package ir

import (
	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/graph/shapeinference"
	"github.com/xrick/glow/pkg/core/shapes"
)

// Verify checks the consistency of the program: slot and buffer declarations, bindings, shapes of the
// operands of each instruction, and the lifetimes of the storage: every slot is allocated before it is
// written, written before it is read, not used after it is deallocated, and two live slots never share
// a buffer.
func Verify(p *Program) error {
	if err := verifyDeclarations(p); err != nil {
		return errors.WithMessagef(err, "program %q", p.Name)
	}
	if err := verifyInstructions(p); err != nil {
		return errors.WithMessagef(err, "program %q", p.Name)
	}
	return nil
}

func verifyDeclarations(p *Program) error {
	for ii, buf := range p.Buffers {
		if buf.ID != BufferID(ii) {
			return errors.Errorf("buffer #%d has id %d", ii, buf.ID)
		}
		if !buf.Shape.Ok() || !shapes.IsSupported(buf.Shape.DType) {
			return errors.Errorf("buffer $%d has invalid shape %s", ii, buf.Shape)
		}
	}
	for ii, slot := range p.Slots {
		if slot.ID != SlotID(ii) {
			return errors.Errorf("slot #%d has id %d", ii, slot.ID)
		}
		if slot.Buffer < 0 || int(slot.Buffer) >= len(p.Buffers) {
			return errors.Errorf("slot %%%d refers to unknown buffer $%d", ii, slot.Buffer)
		}
		buf := p.Buffers[slot.Buffer]
		if slot.Shape.DType != buf.Shape.DType || slot.Shape.Size() != buf.Shape.Size() {
			return errors.Errorf("slot %%%d shape %s doesn't fit buffer $%d shape %s", ii, slot.Shape, buf.ID, buf.Shape)
		}
		if slot.Alias != InvalidSlot {
			if slot.Alias < 0 || slot.Alias >= slot.ID {
				return errors.Errorf("slot %%%d is a view of invalid slot %%%d", ii, slot.Alias)
			}
			if p.Slots[slot.Alias].Buffer != slot.Buffer {
				return errors.Errorf("slot %%%d is a view of %%%d but uses a different buffer", ii, slot.Alias)
			}
		}
	}
	checkBinding := func(what string, binding Binding, kind BufferKind) error {
		if binding.Slot < 0 || int(binding.Slot) >= len(p.Slots) {
			return errors.Errorf("%s %q refers to unknown slot %%%d", what, binding.Name, binding.Slot)
		}
		if got := p.BufferOf(binding.Slot).Kind; got != kind {
			return errors.Errorf("%s %q slot %%%d is backed by a %s buffer, want %s", what, binding.Name, binding.Slot, got, kind)
		}
		return nil
	}
	for _, input := range p.Inputs {
		if err := checkBinding("input", input, BufferInput); err != nil {
			return err
		}
	}
	for _, constant := range p.Constants {
		if err := checkBinding("constant", constant.Binding, BufferConstant); err != nil {
			return err
		}
		if !constant.Value.Ok() || !constant.Value.Shape().Equal(p.Slots[constant.Slot].Shape) {
			return errors.Errorf("constant %q value doesn't match slot shape %s", constant.Name, p.Slots[constant.Slot].Shape)
		}
	}
	for _, output := range p.Outputs {
		if err := checkBinding("output", output, BufferOutput); err != nil {
			return err
		}
	}
	return nil
}

type slotState int

const (
	slotDead slotState = iota
	slotAllocated
	slotWritten
)

func verifyInstructions(p *Program) error {
	state := make([]slotState, len(p.Slots))
	bufferHolder := make([]SlotID, len(p.Buffers))
	for ii := range bufferHolder {
		bufferHolder[ii] = InvalidSlot
	}
	validSlot := func(id SlotID) bool { return id >= 0 && int(id) < len(p.Slots) }

	for idx, inst := range p.Instructions {
		wrapf := func(err error) error {
			return errors.WithMessagef(err, "instruction #%d (%s)", idx, p.InstructionString(inst))
		}
		if inst.Op <= OpInvalid || inst.Op >= OpLast {
			return wrapf(errors.New("invalid opcode"))
		}
		if len(inst.Operands) != inst.Op.NumOperands() {
			return wrapf(errors.Errorf("takes %d operands, got %d", inst.Op.NumOperands(), len(inst.Operands)))
		}
		if !validSlot(inst.Dest) {
			return wrapf(errors.Errorf("invalid destination slot %%%d", inst.Dest))
		}
		for _, operand := range inst.Operands {
			if !validSlot(operand) {
				return wrapf(errors.Errorf("invalid operand slot %%%d", operand))
			}
			root := p.Root(operand)
			kind := p.BufferOf(root).Kind
			if (kind == BufferTemp || kind == BufferOutput) && state[root] != slotWritten {
				return wrapf(errors.Errorf("operand %%%d read before being written", operand))
			}
		}

		dest := p.Slots[inst.Dest]
		destBuffer := p.Buffers[dest.Buffer]
		switch inst.Op {
		case OpAlloc:
			if dest.Alias != InvalidSlot || (destBuffer.Kind != BufferTemp && destBuffer.Kind != BufferOutput) {
				return wrapf(errors.New("only temp or output root slots can be allocated"))
			}
			if state[dest.ID] != slotDead {
				return wrapf(errors.New("slot allocated twice"))
			}
			if holder := bufferHolder[dest.Buffer]; holder != InvalidSlot {
				return wrapf(errors.Errorf("buffer $%d still held by live slot %%%d", dest.Buffer, holder))
			}
			state[dest.ID] = slotAllocated
			bufferHolder[dest.Buffer] = dest.ID
			continue
		case OpDealloc:
			if destBuffer.Kind != BufferTemp || state[dest.ID] == slotDead {
				return wrapf(errors.New("only live temp root slots can be deallocated"))
			}
			state[dest.ID] = slotDead
			bufferHolder[dest.Buffer] = InvalidSlot
			continue
		case OpReshape:
			if dest.Alias != inst.Operands[0] {
				return wrapf(errors.Errorf("reshape destination %%%d must be a view of its operand", dest.ID))
			}
			if _, err := shapeinference.ReshapeOp(p.Slots[inst.Operands[0]].Shape, dest.Shape.Dimensions); err != nil {
				return wrapf(err)
			}
			continue
		}

		// Compute instructions write into a live root slot.
		if dest.Alias != InvalidSlot {
			return wrapf(errors.New("destination must not be a view"))
		}
		if destBuffer.Kind != BufferTemp && destBuffer.Kind != BufferOutput {
			return wrapf(errors.Errorf("destination is backed by a %s buffer", destBuffer.Kind))
		}
		if state[dest.ID] == slotDead {
			return wrapf(errors.New("destination written before being allocated"))
		}
		want, err := instructionShape(p, inst)
		if err != nil {
			return wrapf(err)
		}
		if !want.Equal(dest.Shape) {
			return wrapf(errors.Errorf("destination shape %s, want %s", dest.Shape, want))
		}
		state[dest.ID] = slotWritten
	}

	for _, output := range p.Outputs {
		if state[p.Root(output.Slot)] != slotWritten {
			return errors.Errorf("output %q is never written", output.Name)
		}
	}
	return nil
}

// instructionShape returns the shape the destination of a compute instruction must have.
func instructionShape(p *Program, inst Instruction) (shapes.Shape, error) {
	operand := func(ii int) shapes.Shape { return p.Slots[inst.Operands[ii]].Shape }
	switch inst.Op {
	case OpCopy:
		src, dest := operand(0), p.Slots[inst.Dest].Shape
		if src.DType != dest.DType || src.Size() != dest.Size() {
			return shapes.Invalid(), errors.Errorf("cannot copy %s into %s", src, dest)
		}
		return dest, nil
	case OpElementwiseMax, OpElementwiseMin:
		return shapeinference.ElementwiseBinaryOp(inst.Op.String(), operand(0), operand(1))
	case OpSelect:
		return shapeinference.SelectOp(operand(0), operand(1), operand(2))
	case OpBatchedAdd:
		return shapeinference.BatchedAddOp(operand(0), operand(1))
	case OpBatchedReduceAdd:
		return shapeinference.BatchedReduceAddOp(operand(0))
	case OpRelu, OpSigmoid, OpTanh:
		return shapeinference.UnaryOp(inst.Op.String(), operand(0))
	case OpFullyConnected:
		if operand(0).Rank() != 2 {
			return shapes.Invalid(), errors.Errorf("fullyconnected input must be rank 2, got %s", operand(0))
		}
		return shapeinference.FullyConnectedOp(operand(0), operand(1), operand(2))
	case OpConvolution:
		return shapeinference.ConvolutionOp(operand(0), operand(1), operand(2), inst.Stride, inst.Pad)
	case OpSoftmax:
		return shapeinference.SoftmaxOp(operand(0))
	case OpSoftmaxGrad:
		return shapeinference.SoftmaxGradOp(operand(0), operand(1))
	}
	return shapes.Invalid(), errors.Errorf("no shape rule for opcode %s", inst.Op)
}
