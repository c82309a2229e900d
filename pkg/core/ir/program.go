// Package ir defines the low-level, backend-neutral instruction list a Graph is lowered to.
//
// A Program is a list of Instructions operating on storage Slots. Each slot has a shape and is backed by
// a Buffer: several slots may share one buffer, either because one is a view (a reshape) of the other, or
// because the lowering coalesced slots whose lifetimes don't overlap. The slot-to-buffer assignment is
// fixed at lowering time, so backends can plan their memory statically.
//
// Buffers have one of four kinds:
//
//   - Input: bound to a caller tensor at execution time. Never written.
//   - Constant: bound to a tensor owned by the graph. Never written.
//   - Temp: scratch storage, live between its OpAlloc and OpDealloc instructions.
//   - Output: storage handed to the caller at the end of the execution.
package ir

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// SlotID is the index of a slot in Program.Slots.
type SlotID int

// InvalidSlot is used where no slot applies.
const InvalidSlot SlotID = -1

// BufferID is the index of a buffer in Program.Buffers.
type BufferID int

// BufferKind says where the storage of a buffer comes from.
type BufferKind int

const (
	BufferTemp BufferKind = iota
	BufferInput
	BufferConstant
	BufferOutput
)

// String implements fmt.Stringer.
func (k BufferKind) String() string {
	switch k {
	case BufferTemp:
		return "temp"
	case BufferInput:
		return "input"
	case BufferConstant:
		return "constant"
	case BufferOutput:
		return "output"
	}
	return fmt.Sprintf("BufferKind(%d)", int(k))
}

// Slot is a named, shaped view over a Buffer.
type Slot struct {
	ID    SlotID
	Name  string
	Shape shapes.Shape

	// Buffer backing the slot.
	Buffer BufferID

	// Alias is the slot this one is a view of (created by OpReshape), or InvalidSlot.
	Alias SlotID
}

// Buffer is a unit of storage: all slots pointing to it share the same memory.
type Buffer struct {
	ID    BufferID
	Kind  BufferKind
	Shape shapes.Shape
}

// Memory returns the number of bytes of the buffer.
func (b *Buffer) Memory() uintptr { return b.Shape.Memory() }

// Instruction is one step of a Program.
type Instruction struct {
	Op Opcode

	// Dest is the slot written (or, for OpAlloc/OpDealloc, whose lifetime starts or ends).
	Dest SlotID

	// Operands are the slots read.
	Operands []SlotID

	// Stride and Pad of OpConvolution.
	Stride, Pad int
}

// Binding associates a name with a slot: used for inputs, constants and outputs.
type Binding struct {
	Name string
	Slot SlotID
}

// ConstantBinding associates a constant slot with its value.
type ConstantBinding struct {
	Binding
	Value *tensors.Tensor
}

// Program is the result of lowering a graph. It is immutable once created, and can be executed
// concurrently by any number of backends.
type Program struct {
	Name         string
	Slots        []*Slot
	Buffers      []*Buffer
	Instructions []Instruction

	Inputs    []Binding
	Constants []ConstantBinding
	Outputs   []Binding
}

// Slot returns the slot with the given id.
func (p *Program) Slot(id SlotID) *Slot { return p.Slots[id] }

// BufferOf returns the buffer backing the slot.
func (p *Program) BufferOf(id SlotID) *Buffer { return p.Buffers[p.Slots[id].Buffer] }

// Root returns the slot that id is (transitively) a view of, or id itself if it is not a view.
func (p *Program) Root(id SlotID) SlotID {
	for p.Slots[id].Alias != InvalidSlot {
		id = p.Slots[id].Alias
	}
	return id
}

// NumComputeInstructions returns the number of instructions that are not lifetime markers.
func (p *Program) NumComputeInstructions() (count int) {
	for _, inst := range p.Instructions {
		if !inst.Op.IsLifetimeMarker() {
			count++
		}
	}
	return
}

// TempMemory returns the number of bytes used by temporary buffers.
func (p *Program) TempMemory() (memory uintptr) {
	for _, buf := range p.Buffers {
		if buf.Kind == BufferTemp {
			memory += buf.Memory()
		}
	}
	return
}

// OutputMemory returns the number of bytes allocated for outputs on each execution.
func (p *Program) OutputMemory() (memory uintptr) {
	for _, buf := range p.Buffers {
		if buf.Kind == BufferOutput {
			memory += buf.Memory()
		}
	}
	return
}

// InstructionString returns a one-line description of the instruction.
func (p *Program) InstructionString(inst Instruction) string {
	var sb strings.Builder
	sb.WriteString(inst.Op.String())
	if inst.Dest != InvalidSlot {
		_, _ = fmt.Fprintf(&sb, " %%%d", inst.Dest)
	}
	for ii, operand := range inst.Operands {
		if ii == 0 {
			sb.WriteString(" <-")
		} else {
			sb.WriteString(",")
		}
		_, _ = fmt.Fprintf(&sb, " %%%d", operand)
	}
	if inst.Op == OpConvolution {
		_, _ = fmt.Fprintf(&sb, " stride=%d pad=%d", inst.Stride, inst.Pad)
	}
	return sb.String()
}

// String returns a deterministic listing of the program: buffers, slots and instructions.
func (p *Program) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Program %q: %d instructions, %d slots, %d buffers, temp=%s, outputs=%s\n",
		p.Name, len(p.Instructions), len(p.Slots), len(p.Buffers),
		humanize.Bytes(uint64(p.TempMemory())), humanize.Bytes(uint64(p.OutputMemory())))
	p.writeDeclarations(&sb)
	sb.WriteString("code:\n")
	for ii, inst := range p.Instructions {
		_, _ = fmt.Fprintf(&sb, "\t%3d: %s\n", ii, p.InstructionString(inst))
	}
	return sb.String()
}

func (p *Program) writeDeclarations(sb *strings.Builder) {
	sb.WriteString("buffers:\n")
	for _, buf := range p.Buffers {
		_, _ = fmt.Fprintf(sb, "\t$%d %s %s\n", buf.ID, buf.Kind, buf.Shape)
	}
	sb.WriteString("slots:\n")
	for _, slot := range p.Slots {
		_, _ = fmt.Fprintf(sb, "\t%%%d %q %s $%d", slot.ID, slot.Name, slot.Shape, slot.Buffer)
		if slot.Alias != InvalidSlot {
			_, _ = fmt.Fprintf(sb, " view-of %%%d", slot.Alias)
		}
		sb.WriteString("\n")
	}
	for _, input := range p.Inputs {
		_, _ = fmt.Fprintf(sb, "input %q %%%d\n", input.Name, input.Slot)
	}
	for _, constant := range p.Constants {
		_, _ = fmt.Fprintf(sb, "constant %q %%%d\n", constant.Name, constant.Slot)
	}
	for _, output := range p.Outputs {
		_, _ = fmt.Fprintf(sb, "output %q %%%d\n", output.Name, output.Slot)
	}
}

// Fingerprint returns a hash of the structure of the program: its buffers, slots, bindings and
// instructions, but not its name nor the values of its constants.
//
// Two programs with the same fingerprint can be executed by the same compiled code, as long as each
// binds its own constants.
func (p *Program) Fingerprint() uint64 {
	var sb strings.Builder
	p.writeDeclarations(&sb)
	for _, inst := range p.Instructions {
		sb.WriteString(p.InstructionString(inst))
		sb.WriteString("\n")
	}
	return xxhash.Sum64String(sb.String())
}
