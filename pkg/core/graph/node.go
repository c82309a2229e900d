package graph

import (
	"fmt"
	"strings"

	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// Edge is a value produced by one output of a node. It is an immutable value record: it can be copied
// freely, and it is only valid as input to nodes of the graph that created it.
type Edge struct {
	graphSerial uint64
	node        NodeID
	output      int
	shape       shapes.Shape
}

// Ok returns whether the edge was created by a graph (the zero Edge is not valid).
func (e Edge) Ok() bool { return e.graphSerial != 0 }

// NodeID of the node that produces this edge.
func (e Edge) NodeID() NodeID { return e.node }

// OutputIndex of this edge in the producing node's outputs.
func (e Edge) OutputIndex() int { return e.output }

// Shape of the value carried by the edge.
func (e Edge) Shape() shapes.Shape { return e.shape.Clone() }

// String implements fmt.Stringer.
func (e Edge) String() string {
	return fmt.Sprintf("#%d:%d%s", e.node, e.output, e.shape)
}

// Node of the graph: an operator of some NodeKind, with its input edges and output edges.
type Node struct {
	graph   *Graph
	id      NodeID
	kind    NodeKind
	inputs  []Edge
	outputs []Edge
	params  any
}

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// ID of the node in the graph, its position in creation order.
func (n *Node) ID() NodeID { return n.id }

// Kind of the node.
func (n *Node) Kind() NodeKind { return n.kind }

// NumInputs returns the number of input edges.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the ii-th input edge.
func (n *Node) Input(ii int) Edge { return n.inputs[ii] }

// Inputs returns a copy of the input edges.
func (n *Node) Inputs() []Edge { return append([]Edge(nil), n.inputs...) }

// Outputs returns a copy of the output edges. Output nodes have none.
func (n *Node) Outputs() []Edge { return append([]Edge(nil), n.outputs...) }

// Output returns the (only) output edge of the node. It panics for output nodes.
func (n *Node) Output() Edge { return n.outputs[0] }

// Params returns the static parameters of the node, or nil if the kind takes none.
func (n *Node) Params() any { return n.params }

// Name of input, constant and output nodes. Other nodes return "".
func (n *Node) Name() string {
	switch p := n.params.(type) {
	case InputParams:
		return p.Name
	case ConstantParams:
		if p.Name == "" {
			return fmt.Sprintf("constant#%d", n.id)
		}
		return p.Name
	case OutputParams:
		return p.Name
	}
	return ""
}

// ConstantValue returns the tensor of a constant node, or nil for other kinds.
func (n *Node) ConstantValue() *tensors.Tensor {
	if p, ok := n.params.(ConstantParams); ok {
		return p.Value
	}
	return nil
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var parts []string
	for _, input := range n.inputs {
		parts = append(parts, input.String())
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d %s", n.id, n.kind)
	if name := n.Name(); name != "" {
		_, _ = fmt.Fprintf(&sb, " %q", name)
	}
	_, _ = fmt.Fprintf(&sb, "(%s)", strings.Join(parts, ", "))
	switch p := n.params.(type) {
	case ReshapeParams:
		_, _ = fmt.Fprintf(&sb, " dims=%v", p.Dimensions)
	case ConvolutionParams:
		_, _ = fmt.Fprintf(&sb, " stride=%d pad=%d", p.Stride, p.Pad)
	}
	if len(n.outputs) > 0 {
		_, _ = fmt.Fprintf(&sb, " -> %s", n.outputs[0].shape)
	}
	return sb.String()
}
