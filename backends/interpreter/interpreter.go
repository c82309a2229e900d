// Package interpreter implements the reference backend: it walks the instruction list of a program in
// order, dispatching each instruction to its handler.
//
// It is slow but simple, and it defines the semantics every other backend must reproduce.
//
// Configuration options (see backends.NewWithConfig), e.g. "interpreter:noverify,trace":
//
//   - noverify: don't verify programs at compile time.
//   - trace: log every executed instruction with klog verbosity level 2.
package interpreter

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/pkg/core/ir"
	"k8s.io/klog/v2"
)

// BackendName used in the configuration to select this backend.
const BackendName = "interpreter"

// Registers New as the constructor of the backends.Interpreter kind.
func init() {
	backends.Register(backends.Interpreter, New)
}

// New constructs a new interpreter Backend from the options.
func New(options string) (backends.Backend, error) {
	opts := backends.ParseOptions(options)
	b := &Backend{
		verify: !opts.Has("noverify"),
		trace:  opts.Has("trace"),
	}
	if err := opts.Done(); err != nil {
		return nil, err
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	verify, trace bool

	// bufferPools are a map to pools of flat slices that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	finalized bool
}

// Compile-time check that interpreter.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Kind returns backends.Interpreter.
func (b *Backend) Kind() backends.Kind { return backends.Interpreter }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Reference interpreter (verify=%v, trace=%v)", b.verify, b.trace)
}

// Compile binds the program to the interpreter. Nothing is generated: it only verifies the program (unless
// disabled) and checks every opcode has a handler.
func (b *Backend) Compile(program *ir.Program) (backends.Executable, error) {
	if b.finalized {
		return nil, errors.Errorf("backend %q: Compile called after Finalize", BackendName)
	}
	if b.verify {
		if err := ir.Verify(program); err != nil {
			return nil, errors.WithStack(&backends.CompileError{Backend: BackendName, Instruction: -1, Err: err})
		}
	}
	for idx, inst := range program.Instructions {
		if inst.Op <= ir.OpInvalid || inst.Op >= ir.OpLast || executors[inst.Op] == nil {
			return nil, errors.WithStack(&backends.CompileError{
				Backend: BackendName, Instruction: idx, Op: inst.Op, Err: errors.New("no handler for opcode")})
		}
	}
	e := newExecutable(b, program)
	if klog.V(1).Enabled() {
		klog.Infof("interpreter: bound program %q: %d instructions", program.Name, len(program.Instructions))
	}
	return e, nil
}

// Finalize releases the pooled buffers and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized = true
	b.bufferPools.Clear()
}
