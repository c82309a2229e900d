package backends_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrick/glow/backends"
	_ "github.com/xrick/glow/backends/default"
)

func TestKinds(t *testing.T) {
	assert.Equal(t, "interpreter", backends.Interpreter.String())
	assert.Equal(t, "jit", backends.NativeCompiled.String())
	kind, err := backends.KindFromName("jit")
	require.NoError(t, err)
	assert.Equal(t, backends.NativeCompiled, kind)
	_, err = backends.KindFromName("xla")
	require.ErrorContains(t, err, "unknown backend kind")
	assert.True(t, backends.IsRegistered(backends.Interpreter))
	assert.True(t, backends.IsRegistered(backends.NativeCompiled))
}

func TestNewWithConfig(t *testing.T) {
	name, options := backends.SplitConfig("jit:parallelism=2,noblas")
	assert.Equal(t, "jit", name)
	assert.Equal(t, "parallelism=2,noblas", options)

	backend, err := backends.NewWithConfig("jit:parallelism=2,noblas")
	require.NoError(t, err)
	assert.Equal(t, backends.NativeCompiled, backend.Kind())
	assert.Contains(t, backend.Description(), "blas=false")
	backend.Finalize()

	_, err = backends.NewWithConfig("interpreter:fast")
	require.ErrorContains(t, err, "unknown backend options")
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv(backends.GLOW_BACKEND, "jit:parallelism=0")
	backend, err := backends.New()
	require.NoError(t, err)
	assert.Equal(t, "jit", backend.Name())
	assert.Contains(t, backend.Description(), "parallelism=0")

	// Options of the environment only apply to the kind it selects.
	backend, err = backends.NewForKind(backends.Interpreter)
	require.NoError(t, err)
	assert.Equal(t, backends.Interpreter, backend.Kind())
	backend, err = backends.NewForKind(backends.NativeCompiled)
	require.NoError(t, err)
	assert.Contains(t, backend.Description(), "parallelism=0")
}

func TestParseOptions(t *testing.T) {
	opts := backends.ParseOptions(" parallelism=4 , noblas,maxmemory=2KiB,")
	assert.Equal(t, []string{"parallelism", "noblas", "maxmemory"}, opts.Keys())
	assert.True(t, opts.Has("noblas"))
	assert.False(t, opts.Has("nocache"))
	parallelism, err := opts.Int("parallelism", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, parallelism)
	memory, err := opts.Bytes("maxmemory", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), memory)
	limit, err := opts.Int("limit", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, limit)
	require.NoError(t, opts.Done())

	opts = backends.ParseOptions("verbose,trace")
	assert.True(t, opts.Has("trace"))
	require.ErrorContains(t, opts.Done(), `"verbose"`)
}
