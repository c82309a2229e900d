package interpreter

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
)

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getFlat returns a flat slice of the given dtype and length from the backend pool.
// Its contents are undefined: every temporary is fully written before it is read.
func (b *Backend) getFlat(dtype dtypes.DType, length int) any {
	return b.getBufferPool(dtype, length).Get()
}

// putFlat returns a flat slice to the backend pool. After this any references to it should be dropped.
func (b *Backend) putFlat(dtype dtypes.DType, flat any) {
	if flat == nil {
		return
	}
	b.getBufferPool(dtype, reflect.ValueOf(flat).Len()).Put(flat)
}

// newFlat allocates a zeroed flat slice outside the pool: used for outputs, which are handed to the caller.
func newFlat(dtype dtypes.DType, length int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
}
