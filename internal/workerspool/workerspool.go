// Package workerspool implements a soft-limited pool of goroutines, used to split compute kernels into
// chunks that run in parallel.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool of workers. Create it with New or NewWithParallelism.
type Pool struct {
	// maxParallelism is a soft target: 0 disables parallelism and a negative value means unlimited.
	maxParallelism int

	mu         sync.Mutex
	numRunning int

	// sleeping counts callers of ParallelFor blocked waiting for their chunks. Each one frees a worker slot.
	sleeping atomic.Int32
}

// New returns a Pool with the parallelism set to runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool with the given parallelism: 0 runs everything inline in the caller
// and a negative value means unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	return &Pool{maxParallelism: maxParallelism}
}

// IsEnabled returns whether tasks may run in parallel.
func (w *Pool) IsEnabled() bool { return w.maxParallelism != 0 }

// IsUnlimited returns whether there is no limit to the number of parallel tasks.
func (w *Pool) IsUnlimited() bool { return w.maxParallelism < 0 }

// MaxParallelism returns the configured parallelism.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// goroutineToParallelismRatio allows some oversubscription, since chunks rarely finish at the same time.
const goroutineToParallelismRatio = 2

// lockedIsFull must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	switch {
	case w.maxParallelism == 0:
		return true
	case w.maxParallelism < 0:
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.sleeping.Load())
}

// StartIfAvailable runs the task in a new goroutine if a worker is available, and returns whether it did.
// The caller is responsible for waiting for the task to finish.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// ParallelFor splits the range [0, n) in contiguous chunks of at least minChunk elements, and calls fn on
// each chunk, in parallel if there are workers available. It returns when all chunks are processed.
//
// Chunks that can't find a free worker run inline in the caller, so it never blocks waiting for workers.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	if !w.IsEnabled() || n <= minChunk {
		fn(0, n)
		return
	}
	numChunks := (n + minChunk - 1) / minChunk
	if !w.IsUnlimited() {
		numChunks = min(numChunks, w.maxParallelism)
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(start, end)
		}
		if end == n || !w.StartIfAvailable(task) {
			task()
		}
	}
	// Nested ParallelFor calls from the running chunks may use the worker slot of this caller while it waits.
	w.sleeping.Add(1)
	wg.Wait()
	w.sleeping.Add(-1)
}
