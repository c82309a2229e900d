// Package backends defines the interface the execution backends implement, and the registry used to
// construct them by name.
//
// There are exactly two backends, one per Kind:
//
//   - Interpreter ("interpreter", package backends/interpreter): walks the instruction list and dispatches
//     each instruction to a handler. It is the semantic reference.
//   - NativeCompiled ("jit", package backends/jit): translates the instruction list once into native Go
//     closures with all shapes, offsets and strides resolved at compile time, and reuses the result.
//
// Both take an ir.Program (see package irgen) and must produce numerically equivalent results.
//
// Backends register themselves during initialization: import them for their side effect, e.g.
//
//	import _ "github.com/xrick/glow/backends/default"
package backends

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/xrick/glow/pkg/core/ir"
	"github.com/xrick/glow/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Kind of backend. It is a closed set.
type Kind int

const (
	// Interpreter executes the instructions one at a time. It is the reference implementation.
	Interpreter Kind = iota

	// NativeCompiled compiles the instruction list once, and runs the compiled code.
	NativeCompiled

	// KindLast should always be kept the last, it is used as a counter/marker for Kind.
	KindLast
)

var kindNames = [KindLast]string{
	Interpreter:    "interpreter",
	NativeCompiled: "jit",
}

// String returns the registered name of the backend kind.
func (k Kind) String() string {
	if k < 0 || k >= KindLast {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// KindFromName returns the Kind with the given registered name.
func KindFromName(name string) (Kind, error) {
	for k, kindName := range kindNames {
		if kindName == name {
			return Kind(k), nil
		}
	}
	return KindLast, errors.Errorf("unknown backend kind %q, valid kinds are %q", name, kindNames)
}

// Backend compiles programs into executables.
type Backend interface {
	// Name returns the short name of the backend, the one used in the configuration.
	Name() string

	// Kind of the backend.
	Kind() Kind

	// Description is a longer description of the Backend, including its configuration.
	Description() string

	// Compile prepares the program for execution. The program must have been verified (see ir.Verify).
	// Compilation failures are returned as *CompileError.
	Compile(program *ir.Program) (Executable, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Executable is a compiled program, ready to run. It is safe to call Run concurrently.
type Executable interface {
	// Program that was compiled.
	Program() *ir.Program

	// Run the program. inputs are in the order of Program().Inputs, and they are only read.
	// The outputs are returned in the order of Program().Outputs, and are owned by the caller.
	//
	// Mismatched inputs are reported as *BindingError, and data-dependent failures as *ExecutionError.
	// On error no outputs are returned.
	Run(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

	// Finalize releases the resources of the executable.
	Finalize()
}

// Constructor takes the configuration options (the part after "<name>:" in the config string) and returns
// a Backend.
type Constructor func(options string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[Kind]Constructor)
)

// Register the constructor for the backend kind.
//
// To be safe, call Register during initialization of a package.
func Register(kind Kind, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredConstructors[kind] = constructor
}

// IsRegistered returns whether a constructor for the kind has been registered.
func IsRegistered(kind Kind) bool {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	_, found := registeredConstructors[kind]
	return found
}

// DefaultConfig is the configuration used by New if the environment variable GLOW_BACKEND is not set.
var DefaultConfig = "interpreter"

// GLOW_BACKEND is the name of the environment variable with the default backend configuration.
// It has the format "<backend_name>:<options>", e.g. "jit:parallelism=4,noblas".
const GLOW_BACKEND = "GLOW_BACKEND"

// New returns a backend configured by the environment variable GLOW_BACKEND, or by DefaultConfig if it is
// not set.
func New() (Backend, error) {
	if config, found := os.LookupEnv(GLOW_BACKEND); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewForKind returns a backend of the given kind. If GLOW_BACKEND (or DefaultConfig) selects the same kind,
// its options are used, otherwise the backend is created with default options.
func NewForKind(kind Kind) (Backend, error) {
	config, found := os.LookupEnv(GLOW_BACKEND)
	if !found {
		config = DefaultConfig
	}
	name, options := SplitConfig(config)
	if name != kind.String() {
		if options != "" {
			klog.Warningf("backend options %q in %q ignored for backend %q", options, config, kind)
		}
		options = ""
	}
	return NewWithConfig(kind.String() + ":" + options)
}

// SplitConfig splits a configuration string "<backend_name>:<options>" in its two parts.
func SplitConfig(config string) (name, options string) {
	name = config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		options = config[idx+1:]
	}
	return
}

// NewWithConfig returns a backend from the configuration string "<backend_name>:<options>".
// The options are a comma-separated list of flags or "key=value" pairs, specific to each backend.
func NewWithConfig(config string) (Backend, error) {
	name, options := SplitConfig(config)
	kind, err := KindFromName(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend configuration %q", config)
	}
	muRegistry.Lock()
	constructor, found := registeredConstructors[kind]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("backend %q not registered, maybe import it with "+
			"import _ \"github.com/xrick/glow/backends/default\"?", name)
	}
	backend, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend from configuration %q", config)
	}
	return backend, nil
}
