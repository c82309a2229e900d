package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// buildReluProgram builds by hand: out = reshape(relu(max(x, c)), [6]).
func buildReluProgram() *Program {
	s23 := shapes.Make(dtypes.Float32, 2, 3)
	s6 := shapes.Make(dtypes.Float32, 6)
	p := &Program{
		Name: "relu",
		Buffers: []*Buffer{
			{ID: 0, Kind: BufferInput, Shape: s23},
			{ID: 1, Kind: BufferConstant, Shape: s23},
			{ID: 2, Kind: BufferOutput, Shape: s23},
		},
		Slots: []*Slot{
			{ID: 0, Name: "x", Shape: s23, Buffer: 0, Alias: InvalidSlot},
			{ID: 1, Name: "c", Shape: s23, Buffer: 1, Alias: InvalidSlot},
			{ID: 2, Name: "max#2", Shape: s23, Buffer: 2, Alias: InvalidSlot},
			{ID: 3, Name: "reshape#4", Shape: s6, Buffer: 2, Alias: 2},
		},
		Instructions: []Instruction{
			{Op: OpAlloc, Dest: 2},
			{Op: OpElementwiseMax, Dest: 2, Operands: []SlotID{0, 1}},
			{Op: OpRelu, Dest: 2, Operands: []SlotID{2}},
			{Op: OpReshape, Dest: 3, Operands: []SlotID{2}},
		},
		Inputs:    []Binding{{Name: "x", Slot: 0}},
		Constants: []ConstantBinding{{Binding: Binding{Name: "c", Slot: 1}, Value: tensors.FromShape(s23)}},
		Outputs:   []Binding{{Name: "out", Slot: 3}},
	}
	return p
}

func TestVerify(t *testing.T) {
	p := buildReluProgram()
	require.NoError(t, Verify(p))
	assert.Equal(t, SlotID(2), p.Root(3))
	assert.Equal(t, BufferID(2), p.BufferOf(3).ID)
	assert.Equal(t, 3, p.NumComputeInstructions())
	assert.Equal(t, uintptr(24), p.OutputMemory())
	assert.Equal(t, uintptr(0), p.TempMemory())

	t.Run("ReadBeforeWrite", func(t *testing.T) {
		p := buildReluProgram()
		p.Instructions[1], p.Instructions[2] = p.Instructions[2], p.Instructions[1]
		require.ErrorContains(t, Verify(p), "read before being written")
	})
	t.Run("WriteBeforeAlloc", func(t *testing.T) {
		p := buildReluProgram()
		p.Instructions = p.Instructions[1:]
		require.ErrorContains(t, Verify(p), "before being allocated")
	})
	t.Run("WriteToInput", func(t *testing.T) {
		p := buildReluProgram()
		p.Instructions[2].Dest = 0
		require.ErrorContains(t, Verify(p), "input buffer")
	})
	t.Run("WrongShape", func(t *testing.T) {
		p := buildReluProgram()
		p.Instructions[2] = Instruction{Op: OpSoftmax, Dest: 2, Operands: []SlotID{3}}
		require.Error(t, Verify(p))
	})
	t.Run("BadAlias", func(t *testing.T) {
		p := buildReluProgram()
		p.Slots[3].Buffer = 1
		require.ErrorContains(t, Verify(p), "different buffer")
	})
	t.Run("OutputNeverWritten", func(t *testing.T) {
		p := buildReluProgram()
		p.Instructions = p.Instructions[:1]
		require.ErrorContains(t, Verify(p), "never written")
	})
	t.Run("SharedBufferWhileLive", func(t *testing.T) {
		p := buildReluProgram()
		s23 := shapes.Make(dtypes.Float32, 2, 3)
		p.Slots = append(p.Slots, &Slot{ID: 4, Name: "tmp", Shape: s23, Buffer: 2, Alias: InvalidSlot})
		p.Instructions = append(p.Instructions, Instruction{Op: OpAlloc, Dest: 4})
		require.ErrorContains(t, Verify(p), "still held")
	})
}

func TestListingAndFingerprint(t *testing.T) {
	p := buildReluProgram()
	listing := p.String()
	assert.Contains(t, listing, `Program "relu": 4 instructions, 4 slots, 3 buffers, temp=0 B, outputs=24 B`)
	assert.Contains(t, listing, "elementwisemax %2 <- %0, %1")
	assert.Contains(t, listing, `%3 "reshape#4" (Float32)[6] $2 view-of %2`)
	assert.Contains(t, listing, `output "out" %3`)

	p2 := buildReluProgram()
	p2.Name = "other name"
	p2.Constants[0].Value = tensors.FromScalarAndDimensions(float32(1), 2, 3)
	assert.Equal(t, p.Fingerprint(), p2.Fingerprint(), "name and constant values are not part of the fingerprint")
	p2.Instructions[2].Op = OpTanh
	assert.NotEqual(t, p.Fingerprint(), p2.Fingerprint())
}

func TestOpcode(t *testing.T) {
	assert.Equal(t, "batchedreduceadd", OpBatchedReduceAdd.String())
	assert.Equal(t, "Opcode(99)", Opcode(99).String())
	assert.Equal(t, 3, OpConvolution.NumOperands())
	assert.True(t, OpDealloc.IsLifetimeMarker())
	assert.False(t, OpReshape.WritesDest())
	assert.True(t, OpCopy.WritesDest())
}
