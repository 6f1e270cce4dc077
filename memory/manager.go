package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferPool keeps released float32 buffers of one fixed length for reuse
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Number of idle buffers kept
	bufferSize int            // Element count of every buffer in this pool
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a zeroed buffer from the pool or allocates a new one.
// The second result reports whether the buffer was reused.
func (bp *BufferPool) Get() ([]float32, bool) {
	select {
	case buffer := <-bp.buffers:
		clear(buffer)
		return buffer, true
	default:
		return make([]float32, bp.bufferSize), false
	}
}

// Return puts a buffer back into the pool
func (bp *BufferPool) Return(buffer []float32) {
	if len(buffer) != bp.bufferSize {
		return
	}

	select {
	case bp.buffers <- buffer:
	default:
		// Pool is full, let the GC have it
	}
}

// Idle returns the number of buffers waiting for reuse
func (bp *BufferPool) Idle() int {
	return len(bp.buffers)
}

// Stats is a snapshot of the memory manager counters
type Stats struct {
	Allocated int64 // Buffers created with make
	Reused    int64 // Buffers served from a pool
	Returned  int64 // Buffers handed back by Release
	Live      int64 // Buffers currently owned by tensors
}

func (s Stats) String() string {
	return fmt.Sprintf("allocated=%d reused=%d returned=%d live=%d", s.Allocated, s.Reused, s.Returned, s.Live)
}

// MemoryManager owns the buffer pools used by pooled tensors.
// Pools are keyed by element count: training repeats the same shapes every
// batch, so exact sizes give near-total reuse.
type MemoryManager struct {
	pools      map[int]*BufferPool
	poolsMutex sync.RWMutex
	maxIdle    int

	allocated atomic.Int64
	reused    atomic.Int64
	returned  atomic.Int64
	live      atomic.Int64
}

// DefaultMaxIdle is the number of idle buffers kept per size class
const DefaultMaxIdle = 8

// NewMemoryManager creates a new memory manager
func NewMemoryManager(maxIdle int) *MemoryManager {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &MemoryManager{
		pools:   make(map[int]*BufferPool),
		maxIdle: maxIdle,
	}
}

var (
	globalManager     *MemoryManager
	globalManagerOnce sync.Once
)

// GetGlobalMemoryManager returns the process-wide memory manager
func GetGlobalMemoryManager() *MemoryManager {
	globalManagerOnce.Do(func() {
		globalManager = NewMemoryManager(DefaultMaxIdle)
	})
	return globalManager
}

// GetBuffer returns a zeroed buffer with exactly size elements
func (mm *MemoryManager) GetBuffer(size int) []float32 {
	buffer, reused := mm.getOrCreatePool(size).Get()
	if reused {
		mm.reused.Add(1)
	} else {
		mm.allocated.Add(1)
	}
	mm.live.Add(1)
	return buffer
}

// ReturnBuffer hands a buffer back to its pool
func (mm *MemoryManager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}
	mm.live.Add(-1)
	mm.returned.Add(1)

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[len(buffer)]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer)
	}
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, mm.maxIdle)
	mm.pools[size] = pool
	return pool
}

// Stats returns the current counters
func (mm *MemoryManager) Stats() Stats {
	return Stats{
		Allocated: mm.allocated.Load(),
		Reused:    mm.reused.Load(),
		Returned:  mm.returned.Load(),
		Live:      mm.live.Load(),
	}
}

// Live returns the number of buffers currently owned by tensors
func (mm *MemoryManager) Live() int64 {
	return mm.live.Load()
}

// Trim drops every idle buffer
func (mm *MemoryManager) Trim() {
	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()
	mm.pools = make(map[int]*BufferPool)
}
