// Package irgen lowers a graph.Graph into an ir.Program.
//
// The lowering traverses the graph in topological (creation) order, and for each node:
//
//   - Inputs and constants get a slot bound to the caller's (or the graph's) tensor.
//   - Reshape creates a view slot over its operand: no data is moved.
//   - Element-wise operators write in place over one of their operands, if that operand is a temporary
//     slot with no other pending consumers.
//   - Other operators get a new temporary slot.
//   - Outputs take over the storage of the value they export; if that is not possible (the value is an input,
//     a constant, or already exported under another name) a copy is emitted.
//
// Then a liveness scan finds the first definition and the last use of each temporary slot, temporary
// slots with the same shape and non-overlapping lifetimes are coalesced into the same buffer, and
// ir.OpAlloc / ir.OpDealloc instructions are placed around each lifetime.
//
// The lowering is deterministic: the same graph always produces the same program.
package irgen

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/graph"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// Options of the lowering. The zero value enables all optimizations.
type Options struct {
	// NoInPlace disables writing element-wise results over their operands.
	NoInPlace bool

	// NoCoalescing disables sharing buffers among temporary slots with non-overlapping lifetimes.
	NoCoalescing bool
}

// Lower freezes the graph and lowers it to a program, with all optimizations enabled.
func Lower(g *graph.Graph) (*ir.Program, error) {
	return LowerWithOptions(g, Options{})
}

// LowerWithOptions freezes the graph and lowers it to a program.
func LowerWithOptions(g *graph.Graph, opts Options) (*ir.Program, error) {
	g.Freeze()
	l := newLowering(g, opts)
	if err := l.traverse(); err != nil {
		return nil, errors.WithMessagef(err, "lowering graph %q", g.Name())
	}
	l.assignBuffers()
	l.placeLifetimeMarkers()
	if err := ir.Verify(l.program); err != nil {
		return nil, errors.WithMessagef(err, "lowering graph %q produced an invalid program", g.Name())
	}
	if klog.V(1).Enabled() {
		klog.Infof("irgen: graph %q: %d nodes (%d unused) -> %d instructions (%d compute), %d slots, %d buffers, "+
			"%d in-place, %d temp slots coalesced",
			g.Name(), len(l.nodes), l.numDead, len(l.program.Instructions), l.program.NumComputeInstructions(),
			len(l.program.Slots), len(l.program.Buffers), l.numInPlace, l.numCoalesced)
	}
	return l.program, nil
}

// lowering holds the state of one lowering.
type lowering struct {
	graph   *graph.Graph
	opts    Options
	nodes   []*graph.Node
	program *ir.Program

	// live marks the nodes that contribute to some output (and all inputs).
	live    []bool
	numDead int

	// consumers counts the number of live nodes consuming each node's output.
	consumers []int

	// edgeSlot maps a node's output to the slot holding it.
	edgeSlot []ir.SlotID

	// Per root slot information, indexed by SlotID (only meaningful for roots).
	rootKind    []ir.BufferKind
	pendingUses []int

	// compute are the instructions emitted during the traversal, without lifetime markers.
	compute []ir.Instruction

	numInPlace, numCoalesced int
}

func newLowering(g *graph.Graph, opts Options) *lowering {
	nodes := g.Nodes()
	l := &lowering{
		graph:     g,
		opts:      opts,
		nodes:     nodes,
		program:   &ir.Program{Name: g.Name()},
		live:      make([]bool, len(nodes)),
		consumers: make([]int, len(nodes)),
		edgeSlot:  make([]ir.SlotID, len(nodes)),
	}
	for ii := range l.edgeSlot {
		l.edgeSlot[ii] = ir.InvalidSlot
	}
	l.markLive()
	return l
}

// markLive marks nodes reachable backwards from the outputs, plus all inputs, and counts consumers.
func (l *lowering) markLive() {
	for ii := len(l.nodes) - 1; ii >= 0; ii-- {
		node := l.nodes[ii]
		if node.Kind() == graph.NodeKindOutput || node.Kind() == graph.NodeKindInput {
			l.live[ii] = true
		}
		if !l.live[ii] {
			l.numDead++
			continue
		}
		for _, input := range node.Inputs() {
			l.live[input.NodeID()] = true
			l.consumers[input.NodeID()]++
		}
	}
}

// slotName for the output of a node.
func slotName(node *graph.Node) string {
	if name := node.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("%s#%d", strings.ToLower(node.Kind().String()), node.ID())
}

// newRoot creates a slot with its own buffer.
func (l *lowering) newRoot(name string, shape shapes.Shape, kind ir.BufferKind) ir.SlotID {
	p := l.program
	bufID := ir.BufferID(len(p.Buffers))
	p.Buffers = append(p.Buffers, &ir.Buffer{ID: bufID, Kind: kind, Shape: shape.Clone()})
	id := ir.SlotID(len(p.Slots))
	p.Slots = append(p.Slots, &ir.Slot{ID: id, Name: name, Shape: shape.Clone(), Buffer: bufID, Alias: ir.InvalidSlot})
	l.rootKind = append(l.rootKind, kind)
	l.pendingUses = append(l.pendingUses, 0)
	return id
}

// newView creates a slot that is a view of operand, with a different shape.
func (l *lowering) newView(name string, shape shapes.Shape, operand ir.SlotID) ir.SlotID {
	p := l.program
	id := ir.SlotID(len(p.Slots))
	p.Slots = append(p.Slots, &ir.Slot{
		ID: id, Name: name, Shape: shape.Clone(), Buffer: p.Slots[operand].Buffer, Alias: operand})
	l.rootKind = append(l.rootKind, l.rootKind[p.Root(operand)])
	l.pendingUses = append(l.pendingUses, 0)
	return id
}

func (l *lowering) emit(op ir.Opcode, dest ir.SlotID, operands ...ir.SlotID) *ir.Instruction {
	l.compute = append(l.compute, ir.Instruction{Op: op, Dest: dest, Operands: operands})
	return &l.compute[len(l.compute)-1]
}

// defineEdge records that the node's output lives in slot, and accounts for its pending consumers.
func (l *lowering) defineEdge(node *graph.Node, slot ir.SlotID) {
	l.edgeSlot[node.ID()] = slot
	l.pendingUses[l.program.Root(slot)] += l.consumers[node.ID()]
}

// consume marks one use of the slot (by the node being lowered) as done.
func (l *lowering) consume(slot ir.SlotID) {
	l.pendingUses[l.program.Root(slot)]--
}

var opcodeForKind = map[graph.NodeKind]ir.Opcode{
	graph.NodeKindMax:              ir.OpElementwiseMax,
	graph.NodeKindMin:              ir.OpElementwiseMin,
	graph.NodeKindSelect:           ir.OpSelect,
	graph.NodeKindBatchedAdd:       ir.OpBatchedAdd,
	graph.NodeKindBatchedReduceAdd: ir.OpBatchedReduceAdd,
	graph.NodeKindRelu:             ir.OpRelu,
	graph.NodeKindSigmoid:          ir.OpSigmoid,
	graph.NodeKindTanh:             ir.OpTanh,
	graph.NodeKindFullyConnected:   ir.OpFullyConnected,
	graph.NodeKindConvolution:      ir.OpConvolution,
	graph.NodeKindSoftmax:          ir.OpSoftmax,
	graph.NodeKindSoftmaxGrad:      ir.OpSoftmaxGrad,
}

// inPlaceCandidates lists, in order of preference, the operands over which a node of the given kind
// can write its output. Only elementwise kinds write in place.
func inPlaceCandidates(kind graph.NodeKind) []int {
	if !kind.IsElementwise() {
		return nil
	}
	if kind == graph.NodeKindSelect {
		// Prefer the values over the condition.
		return []int{1, 2, 0}
	}
	candidates := make([]int, kind.NumInputs())
	for ii := range candidates {
		candidates[ii] = ii
	}
	return candidates
}

// traverse the live nodes in topological order, emitting the compute instructions.
func (l *lowering) traverse() error {
	p := l.program
	exported := make(map[ir.SlotID]bool)
	for _, node := range l.nodes {
		if !l.live[node.ID()] {
			continue
		}
		operands := make([]ir.SlotID, node.NumInputs())
		for ii, input := range node.Inputs() {
			operands[ii] = l.edgeSlot[input.NodeID()]
			if operands[ii] == ir.InvalidSlot {
				return errors.Errorf("node %s: input #%d was not lowered", node, ii)
			}
		}

		switch node.Kind() {
		case graph.NodeKindInput:
			slot := l.newRoot(node.Name(), node.Output().Shape(), ir.BufferInput)
			p.Inputs = append(p.Inputs, ir.Binding{Name: node.Name(), Slot: slot})
			l.defineEdge(node, slot)

		case graph.NodeKindConstant:
			slot := l.newRoot(node.Name(), node.Output().Shape(), ir.BufferConstant)
			p.Constants = append(p.Constants, ir.ConstantBinding{
				Binding: ir.Binding{Name: node.Name(), Slot: slot},
				Value:   node.ConstantValue(),
			})
			l.defineEdge(node, slot)

		case graph.NodeKindOutput:
			src := operands[0]
			l.consume(src)
			root := p.Root(src)
			if l.rootKind[root] == ir.BufferTemp && !exported[root] {
				// Take over the storage of the exported value.
				exported[root] = true
				l.rootKind[root] = ir.BufferOutput
				p.Buffers[p.Slots[root].Buffer].Kind = ir.BufferOutput
				p.Outputs = append(p.Outputs, ir.Binding{Name: node.Name(), Slot: src})
				continue
			}
			dest := l.newRoot(node.Name(), p.Slots[src].Shape, ir.BufferOutput)
			exported[dest] = true
			l.emit(ir.OpCopy, dest, src)
			p.Outputs = append(p.Outputs, ir.Binding{Name: node.Name(), Slot: dest})

		case graph.NodeKindReshape:
			l.consume(operands[0])
			view := l.newView(slotName(node), node.Output().Shape(), operands[0])
			l.emit(ir.OpReshape, view, operands[0])
			l.defineEdge(node, view)

		default:
			op, found := opcodeForKind[node.Kind()]
			if !found {
				return errors.Errorf("node %s: no instruction for kind %s", node, node.Kind())
			}
			outputShape := node.Output().Shape()
			if node.Kind() == graph.NodeKindFullyConnected && p.Slots[operands[0]].Shape.Rank() > 2 {
				operands[0] = l.flatten(node, operands[0])
			}
			dest := ir.InvalidSlot
			if !l.opts.NoInPlace {
				dest = l.findInPlace(node.Kind(), operands, outputShape, exported)
			}
			for _, operand := range operands {
				l.consume(operand)
			}
			if dest == ir.InvalidSlot {
				dest = l.newRoot(slotName(node), outputShape, ir.BufferTemp)
			} else {
				l.numInPlace++
			}
			inst := l.emit(op, dest, operands...)
			if convParams, ok := node.Params().(graph.ConvolutionParams); ok {
				inst.Stride, inst.Pad = convParams.Stride, convParams.Pad
			}
			l.defineEdge(node, dest)
		}
	}
	return nil
}

// flatten emits a reshape of the fully-connected input to rank 2.
func (l *lowering) flatten(node *graph.Node, operand ir.SlotID) ir.SlotID {
	shape := l.program.Slots[operand].Shape
	batchSize := shape.Dimensions[0]
	flatShape := shapes.Make(shape.DType, batchSize, shape.Size()/batchSize)
	view := l.newView(slotName(node)+".flat", flatShape, operand)
	l.emit(ir.OpReshape, view, operand)
	return view
}

// findInPlace returns an operand slot the node can write its output over, or ir.InvalidSlot.
//
// The operand must be a temporary root slot (not a view), not exported, with the same shape as the output,
// and the node must be its last pending consumer.
func (l *lowering) findInPlace(kind graph.NodeKind, operands []ir.SlotID, outputShape shapes.Shape,
	exported map[ir.SlotID]bool) ir.SlotID {
	p := l.program
	for _, idx := range inPlaceCandidates(kind) {
		slot := operands[idx]
		if p.Slots[slot].Alias != ir.InvalidSlot || l.rootKind[slot] != ir.BufferTemp || exported[slot] {
			continue
		}
		if !p.Slots[slot].Shape.Equal(outputShape) {
			continue
		}
		if l.pendingUses[slot] != 1 {
			continue
		}
		return slot
	}
	return ir.InvalidSlot
}

// lifetime of a root slot in terms of compute instruction indices.
type lifetime struct {
	def, lastUse int
}

// lifetimes scans the compute instructions and returns the lifetime of each root slot that needs
// allocation (temporaries and outputs). Other slots get def == -1.
func (l *lowering) lifetimes() []lifetime {
	p := l.program
	spans := make([]lifetime, len(p.Slots))
	for ii := range spans {
		spans[ii] = lifetime{def: -1, lastUse: -1}
	}
	touch := func(slot ir.SlotID, idx int) {
		root := p.Root(slot)
		if l.rootKind[root] != ir.BufferTemp && l.rootKind[root] != ir.BufferOutput {
			return
		}
		if spans[root].def == -1 {
			spans[root].def = idx
		}
		spans[root].lastUse = max(spans[root].lastUse, idx)
	}
	for idx, inst := range l.compute {
		for _, operand := range inst.Operands {
			touch(operand, idx)
		}
		touch(inst.Dest, idx)
	}
	return spans
}

// assignBuffers coalesces temporary root slots of the same shape with non-overlapping lifetimes, and
// renumbers the buffers in order of first use.
func (l *lowering) assignBuffers() {
	p := l.program
	spans := l.lifetimes()

	// Greedy coalescing, visiting temporaries in order of definition.
	var temps []ir.SlotID
	for _, slot := range p.Slots {
		if slot.Alias == ir.InvalidSlot && l.rootKind[slot.ID] == ir.BufferTemp && spans[slot.ID].def >= 0 {
			temps = append(temps, slot.ID)
		}
	}
	slices.SortStableFunc(temps, func(a, b ir.SlotID) int { return spans[a].def - spans[b].def })

	// group maps each root slot to the root slot whose buffer it will use.
	group := make([]ir.SlotID, len(p.Slots))
	for ii := range group {
		group[ii] = ir.SlotID(ii)
	}
	type shared struct {
		owner   ir.SlotID
		lastUse int
	}
	var pool []*shared
	for _, slot := range temps {
		span := spans[slot]
		var chosen *shared
		if !l.opts.NoCoalescing {
			for _, candidate := range pool {
				if candidate.lastUse < span.def && p.Slots[candidate.owner].Shape.Equal(p.Slots[slot].Shape) {
					chosen = candidate
					break
				}
			}
		}
		if chosen == nil {
			pool = append(pool, &shared{owner: slot, lastUse: span.lastUse})
			continue
		}
		group[slot] = chosen.owner
		chosen.lastUse = span.lastUse
		l.numCoalesced++
	}

	// Renumber buffers in slot order.
	oldBuffers := p.Buffers
	oldSlotBuffer := make([]ir.BufferID, len(p.Slots))
	for ii, slot := range p.Slots {
		oldSlotBuffer[ii] = slot.Buffer
	}
	newIDs := make(map[ir.BufferID]ir.BufferID)
	p.Buffers = nil
	for _, slot := range p.Slots {
		oldID := oldSlotBuffer[group[p.Root(slot.ID)]]
		newID, found := newIDs[oldID]
		if !found {
			newID = ir.BufferID(len(p.Buffers))
			newIDs[oldID] = newID
			buf := *oldBuffers[oldID]
			buf.ID = newID
			p.Buffers = append(p.Buffers, &buf)
		}
		slot.Buffer = newID
	}
}

// placeLifetimeMarkers builds the final instruction list, with an ir.OpAlloc before the definition of each
// temporary and output root slot, and an ir.OpDealloc after the last use of each temporary root slot.
func (l *lowering) placeLifetimeMarkers() {
	p := l.program
	spans := l.lifetimes()
	allocs := make([][]ir.SlotID, len(l.compute))
	deallocs := make([][]ir.SlotID, len(l.compute))
	for _, slot := range p.Slots {
		span := spans[slot.ID]
		if slot.Alias != ir.InvalidSlot || span.def < 0 {
			continue
		}
		allocs[span.def] = append(allocs[span.def], slot.ID)
		if l.rootKind[slot.ID] == ir.BufferTemp {
			deallocs[span.lastUse] = append(deallocs[span.lastUse], slot.ID)
		}
	}
	instructions := make([]ir.Instruction, 0, len(l.compute)+2*len(p.Slots))
	for idx, inst := range l.compute {
		for _, slot := range allocs[idx] {
			instructions = append(instructions, ir.Instruction{Op: ir.OpAlloc, Dest: slot})
		}
		instructions = append(instructions, inst)
		for _, slot := range deallocs[idx] {
			instructions = append(instructions, ir.Instruction{Op: ir.OpDealloc, Dest: slot})
		}
	}
	p.Instructions = instructions
}
