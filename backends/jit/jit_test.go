package jit

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/backends/internal/fmath"
	"github.com/xrick/glow/pkg/core/graph"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/irgen"
	"github.com/xrick/glow/pkg/core/shapes"
	"github.com/xrick/glow/pkg/core/tensors"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

// buildChain lowers out = sigmoid(relu(x) + bias) with the given bias constant.
func buildChain(t *testing.T, name string, bias float32) *ir.Program {
	g := graph.New(name)
	x := must.M1(g.Input("x", f32(4, 3)))
	b := must.M1(g.Constant("bias", tensors.FromScalarAndDimensions(bias, 3)))
	sum := must.M1(g.BatchedAdd(must.M1(g.Relu(x)), b))
	require.NoError(t, g.Output("out", must.M1(g.Sigmoid(sum))))
	return must.M1(irgen.Lower(g))
}

func TestOptions(t *testing.T) {
	b := must.M1(New("parallelism=2,nocache,noblas,maxmemory=1MiB")).(*Backend)
	assert.Equal(t, 2, b.workers.MaxParallelism())
	assert.False(t, b.useCache)
	assert.False(t, b.useBLAS)
	assert.Equal(t, uint64(1<<20), b.maxMemory)
	assert.Contains(t, b.Description(), "maxmemory=1.0 MiB")

	_, err := New("parallelism=two")
	require.ErrorContains(t, err, "not an integer")
	_, err = New("maxmemory=lots")
	require.ErrorContains(t, err, "not a valid size")
	_, err = New("fast")
	require.ErrorContains(t, err, "unknown backend options")
}

func TestArenaPlanner(t *testing.T) {
	var a arenaPlanner
	assert.Equal(t, 0, a.alloc(10))
	assert.Equal(t, 10, a.alloc(5))
	assert.Equal(t, 15, a.alloc(10))
	a.release(0, 10)
	a.release(10, 5)
	require.Equal(t, []interval{{0, 15}}, a.free, "adjacent regions are merged")
	assert.Equal(t, 0, a.alloc(12))
	assert.Equal(t, []interval{{12, 3}}, a.free)
	a.release(15, 10)
	assert.Equal(t, []interval{{12, 13}}, a.free)
	// The last free region touches the top: it is grown instead of allocating after it.
	assert.Equal(t, 12, a.alloc(20))
	assert.Equal(t, 32, a.top)
	assert.Empty(t, a.free)
}

func TestArenaReuse(t *testing.T) {
	// Temporaries of different shapes with disjoint lifetimes share the arena: "c" reuses the region of "a".
	g := graph.New("arena")
	x := must.M1(g.Input("x", f32(6, 4)))
	y := must.M1(g.Input("y", f32(6, 4)))
	z := must.M1(g.Input("z", f32(2, 2)))
	a := must.M1(g.Max(x, y))
	r := must.M1(g.BatchedReduceAdd(a))
	c := must.M1(g.Max(must.M1(g.Reshape(r, 2, 2)), z))
	require.NoError(t, g.Output("out", must.M1(g.BatchedReduceAdd(c))))
	program := must.M1(irgen.Lower(g))

	b := must.M1(New("nocache")).(*Backend)
	exec := must.M1(b.Compile(program)).(*Executable)
	assert.Less(t, exec.unit.arenaSize*4, int(program.TempMemory()),
		"arena should be smaller than the sum of the temporaries:\n%s", program)
	requireDisjointArena(t, program, exec.unit)

	outputs := must.M1(exec.Run([]*tensors.Tensor{
		tensors.FromScalarAndDimensions(float32(1), 6, 4),
		tensors.FromScalarAndDimensions(float32(2), 6, 4),
		tensors.FromScalarAndDimensions(float32(3), 2, 2),
	}))
	// a=2, r=12, c=max(12, 3)=12, out=24.
	assert.Equal(t, []float32{24, 24}, tensors.Flat[float32](outputs[0]))
}

// buildReusedBuffer builds a graph whose lowering reuses one temporary buffer for "a1" and "a2", while "b"
// and "c" are allocated and released in between:
//
//	a1 = tanh(x); b = sigmoid(x); s = softmax(a1); c = tanh(y); o1 = softmax(b); a2 = relu(x);
//	o2 = softmax(a2); o3 = softmax(c)
func buildReusedBuffer(g *graph.Graph) error {
	x := must.M1(g.Input("x", f32(1, 4)))
	y := must.M1(g.Input("y", f32(2, 2)))
	a1 := must.M1(g.Tanh(x))
	b := must.M1(g.Sigmoid(x))
	if err := g.Output("s", must.M1(g.Softmax(a1))); err != nil {
		return err
	}
	c := must.M1(g.Tanh(y))
	if err := g.Output("o1", must.M1(g.Softmax(b))); err != nil {
		return err
	}
	a2 := must.M1(g.Relu(x))
	if err := g.Output("o2", must.M1(g.Softmax(a2))); err != nil {
		return err
	}
	return g.Output("o3", must.M1(g.Softmax(c)))
}

// requireDisjointArena checks that temporary buffers live at the same time don't share arena storage.
func requireDisjointArena(t *testing.T, program *ir.Program, unit *compiledUnit) {
	live := make(map[ir.BufferID]int)
	for idx, inst := range program.Instructions {
		if !inst.Op.IsLifetimeMarker() {
			continue
		}
		buf := program.BufferOf(inst.Dest)
		if buf.Kind != ir.BufferTemp {
			continue
		}
		if inst.Op == ir.OpDealloc {
			live[buf.ID]--
			if live[buf.ID] == 0 {
				delete(live, buf.ID)
			}
			continue
		}
		start, end := unit.tempOffsets[buf.ID], unit.tempOffsets[buf.ID]+unit.bufferSizes[buf.ID]
		for other := range live {
			if other == buf.ID {
				continue
			}
			otherStart := unit.tempOffsets[other]
			otherEnd := otherStart + unit.bufferSizes[other]
			require.Falsef(t, start < otherEnd && otherStart < end,
				"instruction #%d: $%d at [%d, %d) overlaps live $%d at [%d, %d):\n%s",
				idx, buf.ID, start, end, other, otherStart, otherEnd, program)
		}
		live[buf.ID]++
	}
}

func TestArenaBufferReusedBySlots(t *testing.T) {
	g := graph.New("reused")
	require.NoError(t, buildReusedBuffer(g))
	program := must.M1(irgen.Lower(g))

	// The lowering must give some buffer more than one lifetime, otherwise this test checks nothing.
	allocs := make(map[ir.BufferID]int)
	for _, inst := range program.Instructions {
		if inst.Op == ir.OpAlloc && program.BufferOf(inst.Dest).Kind == ir.BufferTemp {
			allocs[program.BufferOf(inst.Dest).ID]++
		}
	}
	var reused bool
	for _, count := range allocs {
		reused = reused || count > 1
	}
	require.Truef(t, reused, "no temporary buffer is allocated twice:\n%s", program)

	b := must.M1(New("nocache,noblas")).(*Backend)
	exec := must.M1(b.Compile(program)).(*Executable)
	requireDisjointArena(t, program, exec.unit)

	x := tensors.FromFlatDataAndDimensions([]float32{-1, 0.5, 2, -0.25}, 1, 4)
	y := tensors.FromFlatDataAndDimensions([]float32{0.1, -3, 1, 4}, 2, 2)
	outputs := must.M1(exec.Run([]*tensors.Tensor{x, y}))
	require.Len(t, outputs, 4)

	// "s" = softmax(tanh(x)).
	s := tensors.Flat[float32](outputs[0])
	want := make([]float32, 4)
	row := make([]float32, 4)
	for ii, v := range tensors.Flat[float32](x) {
		row[ii] = fmath.Tanh(v)
	}
	fmath.SoftmaxRow(want, row)
	assert.Equal(t, want, s)
}

func TestCache(t *testing.T) {
	b := must.M1(New("")).(*Backend)
	defer b.Finalize()

	p1 := buildChain(t, "first", 1)
	p2 := buildChain(t, "second", -1)
	require.Equal(t, p1.Fingerprint(), p2.Fingerprint())
	exec1 := must.M1(b.Compile(p1))
	exec2 := must.M1(b.Compile(p2))
	assert.Equal(t, 1, b.NumCompiled(), "second program should be served from the cache")
	assert.Same(t, exec1.(*Executable).unit, exec2.(*Executable).unit)

	// Constants are bound per program.
	x := tensors.FromScalarAndDimensions(float32(0), 4, 3)
	out1 := must.M1(exec1.Run([]*tensors.Tensor{x}))[0]
	out2 := must.M1(exec2.Run([]*tensors.Tensor{x}))[0]
	assert.InDelta(t, 0.7310586, tensors.Flat[float32](out1)[0], 1e-6)
	assert.InDelta(t, 0.2689414, tensors.Flat[float32](out2)[0], 1e-6)

	noCache := must.M1(New("nocache")).(*Backend)
	must.M1(noCache.Compile(p1))
	must.M1(noCache.Compile(p2))
	assert.Equal(t, 2, noCache.NumCompiled())

	b.Finalize()
	_, err := b.Compile(p1)
	require.ErrorContains(t, err, "after Finalize")
	// Executables outlive the backend.
	_ = must.M1(exec1.Run([]*tensors.Tensor{x}))
}

func TestConcurrentCompile(t *testing.T) {
	b := must.M1(New("")).(*Backend)
	program := buildChain(t, "concurrent", 0)
	const numCompiles = 16
	var wg sync.WaitGroup
	errs := make([]error, numCompiles)
	for ii := range numCompiles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[ii] = b.Compile(program)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, b.NumCompiled())
}

func TestMaxMemory(t *testing.T) {
	program := buildChain(t, "memory", 0)
	b := must.M1(New("maxmemory=16B")).(*Backend)
	_, err := b.Compile(program)
	var compileErr *backends.CompileError
	require.True(t, errors.As(err, &compileErr), "expected CompileError, got %v", err)
	assert.Equal(t, -1, compileErr.Instruction)
	assert.ErrorContains(t, err, "more than maxmemory")

	b = must.M1(New("maxmemory=1KiB")).(*Backend)
	_, err = b.Compile(program)
	require.NoError(t, err)
}

func TestUnsupportedTemporary(t *testing.T) {
	// An index-valued temporary buffer: valid for the interpreter, but the arena only holds float32.
	u2 := shapes.Make(dtypes.Uint64, 2)
	p := &ir.Program{
		Name: "indices",
		Buffers: []*ir.Buffer{
			{ID: 0, Kind: ir.BufferInput, Shape: u2},
			{ID: 1, Kind: ir.BufferTemp, Shape: u2},
			{ID: 2, Kind: ir.BufferOutput, Shape: u2},
		},
		Slots: []*ir.Slot{
			{ID: 0, Name: "x", Shape: u2, Buffer: 0, Alias: ir.InvalidSlot},
			{ID: 1, Name: "tmp", Shape: u2, Buffer: 1, Alias: ir.InvalidSlot},
			{ID: 2, Name: "out", Shape: u2, Buffer: 2, Alias: ir.InvalidSlot},
		},
		Instructions: []ir.Instruction{
			{Op: ir.OpAlloc, Dest: 1},
			{Op: ir.OpCopy, Dest: 1, Operands: []ir.SlotID{0}},
			{Op: ir.OpAlloc, Dest: 2},
			{Op: ir.OpCopy, Dest: 2, Operands: []ir.SlotID{1}},
			{Op: ir.OpDealloc, Dest: 1},
		},
		Inputs:  []ir.Binding{{Name: "x", Slot: 0}},
		Outputs: []ir.Binding{{Name: "out", Slot: 2}},
	}
	require.NoError(t, ir.Verify(p))
	b := must.M1(New("")).(*Backend)
	_, err := b.Compile(p)
	var compileErr *backends.CompileError
	require.True(t, errors.As(err, &compileErr), "expected CompileError, got %v", err)
	assert.Equal(t, 0, compileErr.Instruction)
	assert.Equal(t, ir.OpAlloc, compileErr.Op)
}

func TestLabelOutOfRange(t *testing.T) {
	g := graph.New("labels")
	x := must.M1(g.Input("logits", f32(2, 3)))
	l := must.M1(g.Input("labels", shapes.Make(dtypes.Uint64, 2, 1)))
	require.NoError(t, g.Output("grad", must.M1(g.SoftmaxGrad(x, l))))
	b := must.M1(New("")).(*Backend)
	exec := must.M1(b.Compile(must.M1(irgen.Lower(g))))
	_, err := exec.Run([]*tensors.Tensor{
		tensors.FromShape(f32(2, 3)),
		tensors.FromFlatDataAndDimensions([]uint64{5, 0}, 2, 1),
	})
	var execErr *backends.ExecutionError
	require.True(t, errors.As(err, &execErr), "expected ExecutionError, got %v", err)
	assert.Equal(t, ir.OpSoftmaxGrad, execErr.Op)
	assert.Equal(t, BackendName, execErr.Backend)
}
