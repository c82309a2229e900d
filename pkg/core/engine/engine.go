// Package engine executes graphs: it lowers each graph once, compiles it for the requested backend kind,
// binds the inputs by name and returns the outputs by name.
//
// Example:
//
//	e := must.M1(engine.New(engine.WithBackendConfig("jit:parallelism=4")))
//	defer e.Finalize()
//	g := graph.New("add")
//	x := must.M1(g.Input("x", shapes.Make(dtypes.Float32, 8, 3)))
//	y := must.M1(g.Input("y", shapes.Make(dtypes.Float32, 3)))
//	must.M(g.Output("sum", must.M1(g.BatchedAdd(x, y))))
//	outputs, err := e.Run(g, map[string]*tensors.Tensor{"x": xValue, "y": yValue}, backends.NativeCompiled)
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/pkg/core/graph"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/irgen"
	"github.com/xrick/glow/pkg/core/tensors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Option configures an Engine.
type Option func(e *Engine) error

// WithBackendConfig configures the backend selected by the configuration string "<backend_name>:<options>",
// e.g. "jit:noblas". It can be given once per backend kind. Backends not configured use
// backends.NewForKind.
func WithBackendConfig(config string) Option {
	return func(e *Engine) error {
		name, _ := backends.SplitConfig(config)
		kind, err := backends.KindFromName(name)
		if err != nil {
			return err
		}
		e.configs[kind] = config
		return nil
	}
}

// WithName sets the name of the engine, used in the logs.
func WithName(name string) Option {
	return func(e *Engine) error {
		e.name = name
		return nil
	}
}

// Engine executes graphs with any of the backends. It caches the lowered program of each graph and the
// executable of each (graph, backend kind) pair.
//
// It is safe for concurrent use.
type Engine struct {
	name    string
	configs [backends.KindLast]string

	mu          sync.Mutex
	backends    [backends.KindLast]backends.Backend
	programs    map[*graph.Graph]*ir.Program
	executables map[executableKey]backends.Executable
	finalized   bool
}

type executableKey struct {
	g    *graph.Graph
	kind backends.Kind
}

// New creates an Engine. Backends are only created when first used.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		name:        "engine",
		programs:    make(map[*graph.Graph]*ir.Program),
		executables: make(map[executableKey]backends.Executable),
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, errors.WithMessage(err, "engine.New()")
		}
	}
	return e, nil
}

// Name of the engine.
func (e *Engine) Name() string { return e.name }

// checkFinalized must be called with e.mu locked.
func (e *Engine) checkFinalized() error {
	if e.finalized {
		return errors.Errorf("engine %q used after Finalize", e.name)
	}
	return nil
}

// Backend returns the backend of the given kind, creating it if needed.
func (e *Engine) Backend(kind backends.Kind) (backends.Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFinalized(); err != nil {
		return nil, err
	}
	return e.lockedBackend(kind)
}

func (e *Engine) lockedBackend(kind backends.Kind) (backends.Backend, error) {
	if kind < 0 || kind >= backends.KindLast {
		return nil, errors.Errorf("invalid backend kind %s", kind)
	}
	if e.backends[kind] != nil {
		return e.backends[kind], nil
	}
	var backend backends.Backend
	var err error
	if e.configs[kind] != "" {
		backend, err = backends.NewWithConfig(e.configs[kind])
	} else {
		backend, err = backends.NewForKind(kind)
	}
	if err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("engine %q: created backend %s", e.name, backend.Description())
	}
	e.backends[kind] = backend
	return backend, nil
}

// Lower freezes the graph and returns its lowered program. The program is cached, and shared by all
// backend kinds.
func (e *Engine) Lower(g *graph.Graph) (*ir.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFinalized(); err != nil {
		return nil, err
	}
	return e.lockedLower(g)
}

func (e *Engine) lockedLower(g *graph.Graph) (*ir.Program, error) {
	if program, found := e.programs[g]; found {
		return program, nil
	}
	program, err := irgen.Lower(g)
	if err != nil {
		return nil, errors.WithMessagef(err, "engine %q lowering graph %q", e.name, g.Name())
	}
	e.programs[g] = program
	return program, nil
}

// Compile returns the executable of the graph for the backend kind, lowering and compiling it if needed.
func (e *Engine) Compile(g *graph.Graph, kind backends.Kind) (backends.Executable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFinalized(); err != nil {
		return nil, err
	}
	key := executableKey{g, kind}
	if exec, found := e.executables[key]; found {
		return exec, nil
	}
	program, err := e.lockedLower(g)
	if err != nil {
		return nil, err
	}
	backend, err := e.lockedBackend(kind)
	if err != nil {
		return nil, err
	}
	exec, err := backend.Compile(program)
	if err != nil {
		return nil, errors.WithMessagef(err, "engine %q compiling graph %q", e.name, g.Name())
	}
	e.executables[key] = exec
	return exec, nil
}

// Run executes the graph with the backend of the given kind.
//
// inputs are bound by the name of the graph inputs: all of them must be given, and no others. The outputs
// are returned by the name of the graph outputs, and are owned by the caller.
//
// Inputs that don't match the graph are reported as *backends.BindingError.
func (e *Engine) Run(g *graph.Graph, inputs map[string]*tensors.Tensor, kind backends.Kind) (
	map[string]*tensors.Tensor, error) {
	exec, err := e.Compile(g, kind)
	if err != nil {
		return nil, err
	}
	program := exec.Program()
	ordered, err := bindInputs(program, inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	start := time.Now()
	if klog.V(2).Enabled() {
		klog.Infof("engine %q run %s: graph %q on %s", e.name, runID, g.Name(), kind)
	}
	outputs, err := exec.Run(ordered)
	if err != nil {
		return nil, errors.WithMessagef(err, "engine %q run %s of graph %q on %s", e.name, runID, g.Name(), kind)
	}
	if klog.V(1).Enabled() {
		klog.Infof("engine %q run %s: graph %q on %s took %s", e.name, runID, g.Name(), kind, time.Since(start))
	}
	results := make(map[string]*tensors.Tensor, len(outputs))
	for ii, binding := range program.Outputs {
		results[binding.Name] = outputs[ii]
	}
	return results, nil
}

// bindInputs orders the named inputs as the program expects them.
func bindInputs(program *ir.Program, inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	ordered := make([]*tensors.Tensor, len(program.Inputs))
	declared := make(map[string]bool, len(program.Inputs))
	for ii, binding := range program.Inputs {
		declared[binding.Name] = true
		value, found := inputs[binding.Name]
		if !found {
			return nil, errors.WithStack(&backends.BindingError{
				Input: binding.Name, Want: program.Slot(binding.Slot).Shape, Reason: "missing input"})
		}
		ordered[ii] = value
	}
	for name := range inputs {
		if !declared[name] {
			return nil, errors.WithStack(&backends.BindingError{Input: name, Reason: "unknown input"})
		}
	}
	return ordered, nil
}

// OutputDiff is the difference between the interpreter and the jit results for one output.
type OutputDiff struct {
	Name             string
	AbsDiff, RelDiff float64

	// WithinTolerance is true if every element agrees within the absolute or relative tolerance.
	WithinTolerance bool
}

// Comparison of the results of the backends for one execution.
type Comparison struct {
	Outputs []OutputDiff
}

// Ok returns whether all outputs agree within the tolerance.
func (c *Comparison) Ok() bool {
	for _, diff := range c.Outputs {
		if !diff.WithinTolerance {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (c *Comparison) String() string {
	var sb strings.Builder
	for _, diff := range c.Outputs {
		status := "ok"
		if !diff.WithinTolerance {
			status = "MISMATCH"
		}
		_, _ = fmt.Fprintf(&sb, "%q: %s (abs=%g, rel=%g)\n", diff.Name, status, diff.AbsDiff, diff.RelDiff)
	}
	return sb.String()
}

// Compare runs the graph with both backends concurrently, and reports the maximum difference of each
// output. Elements are considered equal if they agree within tolerance, either absolute or relative.
func (e *Engine) Compare(g *graph.Graph, inputs map[string]*tensors.Tensor, tolerance float64) (*Comparison, error) {
	var results [backends.KindLast]map[string]*tensors.Tensor
	var eg errgroup.Group
	for kind := range backends.KindLast {
		eg.Go(func() error {
			outputs, err := e.Run(g, inputs, kind)
			results[kind] = outputs
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	program, err := e.Lower(g)
	if err != nil {
		return nil, err
	}
	comparison := &Comparison{Outputs: make([]OutputDiff, 0, len(program.Outputs))}
	for _, binding := range program.Outputs {
		want := results[backends.Interpreter][binding.Name]
		got := results[backends.NativeCompiled][binding.Name]
		absDiff, relDiff := want.MaxDiff(got)
		comparison.Outputs = append(comparison.Outputs, OutputDiff{
			Name:            binding.Name,
			AbsDiff:         absDiff,
			RelDiff:         relDiff,
			WithinTolerance: want.WithinTolerance(got, tolerance, tolerance),
		})
	}
	if klog.V(1).Enabled() {
		klog.Infof("engine %q compared graph %q:\n%s", e.name, g.Name(), comparison)
	}
	return comparison, nil
}

// Finalize releases the executables and the backends. The engine can't be used afterwards.
func (e *Engine) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, exec := range e.executables {
		exec.Finalize()
		delete(e.executables, key)
	}
	for kind, backend := range e.backends {
		if backend != nil {
			backend.Finalize()
			e.backends[kind] = nil
		}
	}
	clear(e.programs)
	e.finalized = true
}
