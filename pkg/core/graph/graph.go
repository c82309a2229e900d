// Package graph defines the computation Graph: a directed acyclic graph of typed operator Nodes connected
// by shaped Edges.
//
// Nodes are added with Graph.AddNode (or one of the typed helpers, like Graph.Max or Graph.FullyConnected),
// and the shape of every output is inferred, and validated, at the moment the node is added: shape
// mismatches are reported as a *ShapeError.
//
// Nodes can only refer to edges created before them, so the creation order is always a valid topological
// order, and it is the order used by the lowering.
//
// A Graph is frozen the first time it is lowered (see Graph.Freeze): after that no new nodes can be added,
// and AddNode returns ErrFrozen.
package graph

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/graph/shapeinference"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

// NodeID is the index of a node in its Graph, in creation order.
type NodeID int

// graphSerial uniquely identifies graphs in the process, so edges of one graph are not mixed with another.
var graphSerial atomic.Uint64

// Graph of operators. It is safe to use concurrently, but nodes from different goroutines are
// ordered by the time they are added.
type Graph struct {
	serial uint64
	name   string

	mu     sync.Mutex
	nodes  []*Node
	frozen bool

	inputsByName  map[string]*Node
	outputsByName map[string]*Node
	inputs        []*Node
	outputs       []*Node
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		serial:        graphSerial.Add(1),
		name:          name,
		inputsByName:  make(map[string]*Node),
		outputsByName: make(map[string]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Freeze the graph: no more nodes can be added. It is idempotent.
func (g *Graph) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen = true
}

// IsFrozen returns whether Freeze has been called.
func (g *Graph) IsFrozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Nodes returns the nodes of the graph in topological (creation) order.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// NodeByID returns the node with the given id, or nil if it doesn't exist.
func (g *Graph) NodeByID(id NodeID) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Inputs returns the input nodes in creation order.
func (g *Graph) Inputs() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.inputs...)
}

// Outputs returns the output nodes in creation order.
func (g *Graph) Outputs() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.outputs...)
}

// InputByName returns the input node with the given name, or nil if there is none.
func (g *Graph) InputByName(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inputsByName[name]
}

// AddNode adds a node of the given kind, consuming the given input edges, and returns its output edges.
//
// params must be of the type matching the kind: InputParams, ConstantParams, OutputParams, ReshapeParams,
// ConvolutionParams, or nil for the kinds that take no static parameters.
//
// It returns ErrFrozen if the graph has already been frozen, and a *ShapeError if the inputs or parameters
// are not valid for the kind.
func (g *Graph) AddNode(kind NodeKind, inputs []Edge, params any) ([]Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return nil, errors.WithStack(ErrFrozen)
	}
	if kind <= NodeKindInvalid || kind >= NodeKindLast {
		return nil, errors.Errorf("graph %q: invalid node kind %s", g.name, kind)
	}
	if len(inputs) != kind.NumInputs() {
		return nil, newShapeError(kind, inputs, errors.Errorf("%s takes %d inputs, %d given",
			kind, kind.NumInputs(), len(inputs)))
	}
	for ii, input := range inputs {
		if input.graphSerial != g.serial || input.node < 0 || int(input.node) >= len(g.nodes) {
			return nil, errors.Errorf("graph %q: input #%d of %s node is not an edge of this graph", g.name, ii, kind)
		}
	}

	outputShape, err := g.inferShape(kind, inputs, params)
	if err != nil {
		return nil, newShapeError(kind, inputs, err)
	}
	node := &Node{
		graph:  g,
		id:     NodeID(len(g.nodes)),
		kind:   kind,
		inputs: append([]Edge(nil), inputs...),
		params: params,
	}
	if kind.NumOutputs() > 0 {
		node.outputs = []Edge{{graphSerial: g.serial, node: node.id, output: 0, shape: outputShape}}
	}
	if err := g.registerNamed(node); err != nil {
		return nil, err
	}
	g.nodes = append(g.nodes, node)
	return append([]Edge(nil), node.outputs...), nil
}

// registerNamed keeps track of input and output nodes by name. It must be called with g.mu held.
func (g *Graph) registerNamed(node *Node) error {
	switch node.kind {
	case NodeKindInput:
		name := node.params.(InputParams).Name
		if name == "" {
			return errors.Errorf("graph %q: input nodes must have a name", g.name)
		}
		if _, found := g.inputsByName[name]; found {
			return errors.Errorf("graph %q: input named %q already exists", g.name, name)
		}
		g.inputsByName[name] = node
		g.inputs = append(g.inputs, node)
	case NodeKindOutput:
		name := node.params.(OutputParams).Name
		if name == "" {
			return errors.Errorf("graph %q: output nodes must have a name", g.name)
		}
		if _, found := g.outputsByName[name]; found {
			return errors.Errorf("graph %q: output named %q already exists", g.name, name)
		}
		g.outputsByName[name] = node
		g.outputs = append(g.outputs, node)
	}
	return nil
}

// inferShape of the output of a node of the given kind, validating its parameters.
func (g *Graph) inferShape(kind NodeKind, inputs []Edge, params any) (shapes.Shape, error) {
	in := func(ii int) shapes.Shape { return inputs[ii].shape }
	switch kind {
	case NodeKindInput:
		p, ok := params.(InputParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Input requires InputParams, got %T", params)
		}
		if !p.Shape.Ok() || !shapes.IsSupported(p.Shape.DType) {
			return shapes.Invalid(), errors.Errorf("Input %q: invalid shape %s", p.Name, p.Shape)
		}
		if _, err := shapes.MakeChecked(p.Shape.DType, p.Shape.Dimensions...); err != nil {
			return shapes.Invalid(), err
		}
		return p.Shape.Clone(), nil
	case NodeKindConstant:
		p, ok := params.(ConstantParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Constant requires ConstantParams, got %T", params)
		}
		if !p.Value.Ok() {
			return shapes.Invalid(), errors.Errorf("Constant %q: value is nil or invalid", p.Name)
		}
		return p.Value.Shape().Clone(), nil
	case NodeKindOutput:
		if _, ok := params.(OutputParams); !ok {
			return shapes.Invalid(), errors.Errorf("Output requires OutputParams, got %T", params)
		}
		return shapes.Invalid(), nil
	case NodeKindMax, NodeKindMin:
		return shapeinference.ElementwiseBinaryOp(kind.String(), in(0), in(1))
	case NodeKindSelect:
		return shapeinference.SelectOp(in(0), in(1), in(2))
	case NodeKindBatchedAdd:
		return shapeinference.BatchedAddOp(in(0), in(1))
	case NodeKindBatchedReduceAdd:
		return shapeinference.BatchedReduceAddOp(in(0))
	case NodeKindReshape:
		p, ok := params.(ReshapeParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Reshape requires ReshapeParams, got %T", params)
		}
		return shapeinference.ReshapeOp(in(0), p.Dimensions)
	case NodeKindRelu, NodeKindSigmoid, NodeKindTanh:
		return shapeinference.UnaryOp(kind.String(), in(0))
	case NodeKindFullyConnected:
		return shapeinference.FullyConnectedOp(in(0), in(1), in(2))
	case NodeKindConvolution:
		p, ok := params.(ConvolutionParams)
		if !ok {
			return shapes.Invalid(), errors.Errorf("Convolution requires ConvolutionParams, got %T", params)
		}
		return shapeinference.ConvolutionOp(in(0), in(1), in(2), p.Stride, p.Pad)
	case NodeKindSoftmax:
		return shapeinference.SoftmaxOp(in(0))
	case NodeKindSoftmaxGrad:
		return shapeinference.SoftmaxGradOp(in(0), in(1))
	}
	return shapes.Invalid(), errors.Errorf("unknown node kind %s", kind)
}

// String returns a multi-line listing of the graph nodes.
func (g *Graph) String() string {
	nodes := g.Nodes()
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(nodes))
	for _, node := range nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// Params types for the nodes that take static parameters.

// InputParams for NodeKindInput.
type InputParams struct {
	Name  string
	Shape shapes.Shape
}

// ConstantParams for NodeKindConstant. The Value tensor is owned by the graph afterwards, and should
// not be changed.
type ConstantParams struct {
	Name  string
	Value *tensors.Tensor
}

// OutputParams for NodeKindOutput.
type OutputParams struct {
	Name string
}

// ReshapeParams for NodeKindReshape.
type ReshapeParams struct {
	Dimensions []int
}

// ConvolutionParams for NodeKindConvolution.
type ConvolutionParams struct {
	Stride, Pad int
}
