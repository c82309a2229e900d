package graph

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

func TestBuildGraph(t *testing.T) {
	g := New("batched")
	batch := must.M1(g.Input("batch", shapes.Make(dtypes.Float32, 8, 3, 3, 6)))
	slice := must.M1(g.Input("slice", shapes.Make(dtypes.Float32, 3, 3, 6)))
	sum := must.M1(g.BatchedAdd(batch, slice))
	reduced := must.M1(g.BatchedReduceAdd(sum))
	require.NoError(t, g.Output("result", reduced))

	require.Equal(t, 5, g.NumNodes())
	assert.Equal(t, []int{3, 3, 6}, reduced.Shape().Dimensions)
	assert.Equal(t, NodeID(3), reduced.NodeID())
	assert.Equal(t, 0, reduced.OutputIndex())

	nodes := g.Nodes()
	for ii, node := range nodes {
		assert.Equal(t, NodeID(ii), node.ID())
		for _, input := range node.Inputs() {
			assert.Less(t, int(input.NodeID()), ii, "inputs must come before their consumers")
		}
	}
	require.Len(t, g.Inputs(), 2)
	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, "result", g.Outputs()[0].Name())
	assert.Empty(t, g.Outputs()[0].Outputs())
	assert.Same(t, nodes[0], g.InputByName("batch"))
	assert.Nil(t, g.InputByName("missing"))
	assert.Contains(t, g.String(), `#2 BatchedAdd(#0:0(Float32)[8 3 3 6], #1:0(Float32)[3 3 6]) -> (Float32)[8 3 3 6]`)
}

func TestShapeErrors(t *testing.T) {
	g := New("errors")
	a := must.M1(g.Input("a", shapes.Make(dtypes.Float32, 2, 3)))
	b := must.M1(g.Input("b", shapes.Make(dtypes.Float32, 3, 2)))

	_, err := g.Max(a, b)
	require.Error(t, err)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, NodeKindMax, shapeErr.Kind)
	assert.Len(t, shapeErr.Inputs, 2)

	_, err = g.Reshape(a, 7)
	require.True(t, errors.As(err, &shapeErr))

	_, err = g.AddNode(NodeKindRelu, []Edge{a, b}, nil)
	require.True(t, errors.As(err, &shapeErr))

	_, err = g.AddNode(NodeKindReshape, []Edge{a}, nil)
	require.True(t, errors.As(err, &shapeErr), "missing params")

	// Failed nodes are not added.
	require.Equal(t, 2, g.NumNodes())
}

func TestNamesAndForeignEdges(t *testing.T) {
	g := New("names")
	a := must.M1(g.Input("a", shapes.Make(dtypes.Float32, 4)))
	_, err := g.Input("a", shapes.Make(dtypes.Float32, 4))
	require.Error(t, err)
	_, err = g.Input("", shapes.Make(dtypes.Float32, 4))
	require.Error(t, err)
	require.NoError(t, g.Output("out", a))
	require.Error(t, g.Output("out", a))

	other := New("other")
	b := must.M1(other.Input("b", shapes.Make(dtypes.Float32, 4)))
	_, err = g.Max(a, b)
	require.Error(t, err)
	_, err = g.Relu(Edge{})
	require.Error(t, err)

	c := must.M1(g.Constant("", tensors.FromScalarAndDimensions(float32(1), 4)))
	assert.Equal(t, "constant#2", g.NodeByID(c.NodeID()).Name())
	_, err = g.Constant("nil", nil)
	require.Error(t, err)
}

func TestFreeze(t *testing.T) {
	g := New("frozen")
	a := must.M1(g.Input("a", shapes.Make(dtypes.Float32, 4)))
	g.Freeze()
	require.True(t, g.IsFrozen())
	_, err := g.Relu(a)
	require.ErrorIs(t, err, ErrFrozen)
}

func TestConcurrentAdd(t *testing.T) {
	g := New("concurrent")
	a := must.M1(g.Input("a", shapes.Make(dtypes.Float32, 4)))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := g.Relu(a)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 81, g.NumNodes())
}

func TestNodeKind(t *testing.T) {
	assert.Equal(t, "SoftmaxGrad", NodeKindSoftmaxGrad.String())
	assert.Equal(t, "NodeKind(100)", NodeKind(100).String())
	assert.Equal(t, 3, NodeKindConvolution.NumInputs())
	assert.Equal(t, 0, NodeKindOutput.NumOutputs())
	assert.True(t, NodeKindTanh.IsElementwise())
	assert.False(t, NodeKindSoftmax.IsElementwise())
}
