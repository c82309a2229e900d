// Package jit implements the native-compiling backend: a program is translated once into a list of Go
// closures ("kernels"), with every shape, stride, buffer index and arena offset resolved at compile time.
// Executing the compiled unit is then a straight call of the kernels, without any dispatch or shape
// inspection.
//
// Compiled units don't depend on the program's name nor on the values of its constants, so they are cached
// by the program fingerprint (see ir.Program.Fingerprint) and shared by structurally identical programs.
//
// Temporary buffers are packed into a single arena per execution: buffers whose lifetimes don't overlap
// (see ir.OpAlloc and ir.OpDealloc) share the same arena region.
//
// Configuration options (see backends.NewWithConfig), e.g. "jit:parallelism=4,noblas":
//
//   - parallelism=N: max number of parallel workers used by the kernels. 0 runs everything sequentially, -1
//     is unlimited. Defaults to runtime.NumCPU().
//   - nocache: don't cache compiled units, every Compile generates new code.
//   - noblas: use direct loops for FullyConnected and Convolution. By default they use a BLAS GEMM, which
//     may reassociate the sums and differ from the interpreter by a few ULPs.
//   - maxmemory=SIZE: e.g. "64MiB". Compiling a program that needs more memory per execution (arena,
//     scratch and outputs) fails with a backends.CompileError.
package jit

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/xrick/glow/backends"
	"github.com/xrick/glow/internal/workerspool"
	"github.com/xrick/glow/pkg/core/ir"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// BackendName used in the configuration to select this backend.
const BackendName = "jit"

// Registers New as the constructor of the backends.NativeCompiled kind.
func init() {
	backends.Register(backends.NativeCompiled, New)
}

// New constructs a new jit Backend from the options.
func New(options string) (backends.Backend, error) {
	opts := backends.ParseOptions(options)
	parallelism, err := opts.Int("parallelism", runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	maxMemory, err := opts.Bytes("maxmemory", 0)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		workers:   workerspool.NewWithParallelism(parallelism),
		useCache:  !opts.Has("nocache"),
		useBLAS:   !opts.Has("noblas"),
		maxMemory: maxMemory,
		cache:     make(map[uint64]*compiledUnit),
	}
	if err := opts.Done(); err != nil {
		return nil, err
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	workers   *workerspool.Pool
	useCache  bool
	useBLAS   bool
	maxMemory uint64

	mu          sync.Mutex
	cache       map[uint64]*compiledUnit
	compiles    singleflight.Group
	numCompiled int
	isFinalized bool
}

// Compile-time check that jit.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Kind returns backends.NativeCompiled.
func (b *Backend) Kind() backends.Kind { return backends.NativeCompiled }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	maxMemory := "unlimited"
	if b.maxMemory > 0 {
		maxMemory = humanize.IBytes(b.maxMemory)
	}
	return fmt.Sprintf("Native-compiled closures (parallelism=%d, cache=%v, blas=%v, maxmemory=%s)",
		b.workers.MaxParallelism(), b.useCache, b.useBLAS, maxMemory)
}

// NumCompiled returns how many programs were actually compiled, that is, not served from the cache.
func (b *Backend) NumCompiled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numCompiled
}

// Compile the program, or reuse the compiled unit of a structurally identical program.
// Failures are returned as *backends.CompileError.
func (b *Backend) Compile(program *ir.Program) (backends.Executable, error) {
	b.mu.Lock()
	finalized := b.isFinalized
	b.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("backend %q: Compile called after Finalize", BackendName)
	}
	if err := ir.Verify(program); err != nil {
		return nil, errors.WithStack(&backends.CompileError{Backend: BackendName, Instruction: -1, Err: err})
	}
	if !b.useCache {
		unit, err := b.compile(program)
		if err != nil {
			return nil, err
		}
		return newExecutable(program, unit), nil
	}

	fingerprint := program.Fingerprint()
	b.mu.Lock()
	unit, found := b.cache[fingerprint]
	b.mu.Unlock()
	if found {
		if klog.V(1).Enabled() {
			klog.Infof("jit: program %q served from cache (fingerprint %016x)", program.Name, fingerprint)
		}
		return newExecutable(program, unit), nil
	}

	// Concurrent compilations of the same program are merged into one.
	compiled, err, _ := b.compiles.Do(strconv.FormatUint(fingerprint, 16), func() (any, error) {
		b.mu.Lock()
		unit, found := b.cache[fingerprint]
		b.mu.Unlock()
		if found {
			return unit, nil
		}
		unit, err := b.compile(program)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[fingerprint] = unit
		b.mu.Unlock()
		return unit, nil
	})
	if err != nil {
		return nil, err
	}
	return newExecutable(program, compiled.(*compiledUnit)), nil
}

// compile generates the compiled unit for the program.
func (b *Backend) compile(program *ir.Program) (*compiledUnit, error) {
	start := time.Now()
	unit, err := newCompiler(b, program).compile()
	if err != nil {
		return nil, err
	}
	if b.maxMemory > 0 && unit.memory() > b.maxMemory {
		return nil, errors.WithStack(&backends.CompileError{
			Backend: BackendName, Instruction: -1,
			Err: errors.Errorf("program %q requires %s per execution, more than maxmemory=%s",
				program.Name, humanize.IBytes(unit.memory()), humanize.IBytes(b.maxMemory)),
		})
	}
	b.mu.Lock()
	b.numCompiled++
	b.mu.Unlock()
	if klog.V(1).Enabled() {
		klog.Infof("jit: compiled program %q in %s: %d kernels, arena=%s, scratch=%s",
			program.Name, time.Since(start), len(unit.steps),
			humanize.IBytes(uint64(unit.arenaSize)*4), humanize.IBytes(uint64(unit.scratchSize)*4))
	}
	return unit, nil
}

// Finalize drops the cached compiled units and makes the backend invalid. Executables already created
// remain valid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isFinalized = true
	clear(b.cache)
}
