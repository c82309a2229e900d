// Package backendtest holds test utilities to check that the backends produce equivalent results.
package backendtest

import (
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/backends/interpreter"
	"github.com/xrick/glow/backends/jit"
	"github.com/xrick/glow/pkg/core/graph"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/irgen"
	"github.com/xrick/glow/pkg/core/tensors"
)

// BuildFn builds the graph under test: its inputs, operations and outputs.
type BuildFn func(g *graph.Graph) error

// TestBackends used to compare results.
type TestBackends struct {
	// Interpreter is the reference.
	Interpreter backends.Backend

	// JIT uses the default options, which may reassociate FullyConnected and Convolution sums.
	JIT backends.Backend

	// ExactJIT is configured with "noblas", and must match the interpreter bit by bit.
	ExactJIT backends.Backend
}

var (
	backendsOnce sync.Once
	cached       TestBackends
)

// BuildTestBackends returns the backends shared by the tests of a package.
func BuildTestBackends() TestBackends {
	backendsOnce.Do(func() {
		cached = TestBackends{
			Interpreter: must.M1(interpreter.New("")),
			JIT:         must.M1(jit.New("")),
			ExactJIT:    must.M1(jit.New("noblas")),
		}
	})
	return cached
}

// RunParity builds and lowers the graph, executes it with the interpreter and both configurations of the
// jit backend, and checks that:
//
//   - the exact jit configuration matches the interpreter exactly;
//   - the default jit configuration matches the interpreter within delta.
//
// It returns the outputs of the interpreter.
func RunParity(t *testing.T, testName string, buildFn BuildFn, inputs []*tensors.Tensor, delta float64) []*tensors.Tensor {
	var want []*tensors.Tensor
	t.Run(testName, func(t *testing.T) {
		g := graph.New(testName)
		require.NoErrorf(t, buildFn(g), "%s: failed to build graph", testName)
		program, err := irgen.Lower(g)
		require.NoErrorf(t, err, "%s: failed to lower graph", testName)

		b := BuildTestBackends()
		want = run(t, b.Interpreter, program, inputs)
		exact := run(t, b.ExactJIT, program, inputs)
		approx := run(t, b.JIT, program, inputs)
		require.Len(t, exact, len(want))
		require.Len(t, approx, len(want))
		for ii, binding := range program.Outputs {
			absDiff, relDiff := want[ii].MaxDiff(approx[ii])
			t.Logf("%s: output %q %s: max difference abs=%g rel=%g", testName, binding.Name, want[ii].Shape(),
				absDiff, relDiff)
			require.Truef(t, want[ii].Equal(exact[ii]), "%s: output %q of %s differs from %s",
				testName, binding.Name, b.ExactJIT.Description(), b.Interpreter.Name())
			require.Truef(t, want[ii].InDelta(approx[ii], delta), "%s: output %q of %s differs from %s by more than %g",
				testName, binding.Name, b.JIT.Description(), b.Interpreter.Name(), delta)
		}
	})
	return want
}

func run(t *testing.T, backend backends.Backend, program *ir.Program, inputs []*tensors.Tensor) []*tensors.Tensor {
	exec, err := backend.Compile(program)
	require.NoErrorf(t, err, "failed to compile with %s", backend.Name())
	outputs, err := exec.Run(inputs)
	require.NoErrorf(t, err, "failed to execute with %s", backend.Name())
	return outputs
}
