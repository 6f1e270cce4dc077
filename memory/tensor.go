package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Tensor is a float32 NCHW tensor with reference counting.
// Pooled tensors return their buffer to the global memory manager when the
// last reference is released.
type Tensor struct {
	data     []float32
	shape    []int
	refCount *int32 // Atomic reference count, shared by views
	pooled   bool   // Buffer came from the memory manager
}

// NewTensor creates a zeroed tensor backed by a pooled buffer
func NewTensor(shape ...int) *Tensor {
	size := NumElements(shape)
	refCount := int32(1)

	t := &Tensor{
		data:     GetGlobalMemoryManager().GetBuffer(size),
		shape:    make([]int, len(shape)),
		refCount: &refCount,
		pooled:   true,
	}
	copy(t.shape, shape)
	return t
}

// FromSlice wraps caller-owned data without copying. The buffer is never pooled.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if n := NumElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d doesn't match shape %v (expected %d elements)", len(data), shape, n)
	}
	refCount := int32(1)
	t := &Tensor{
		data:     data,
		shape:    make([]int, len(shape)),
		refCount: &refCount,
	}
	copy(t.shape, shape)
	return t, nil
}

// Retain increments the reference count and returns the same tensor
func (t *Tensor) Retain() *Tensor {
	if t.refCount == nil {
		panic("tensor already released")
	}
	atomic.AddInt32(t.refCount, 1)
	return t
}

// Release drops one reference. The buffer goes back to the pool when the
// count reaches zero, after which the handle is cleared and further calls
// are no-ops.
func (t *Tensor) Release() {
	if t == nil || t.refCount == nil {
		return
	}

	remaining := atomic.AddInt32(t.refCount, -1)
	if remaining > 0 {
		return
	}
	if remaining == 0 && t.pooled {
		GetGlobalMemoryManager().ReturnBuffer(t.data)
	}

	// Clear fields to prevent use-after-free through this handle
	t.data = nil
	t.refCount = nil
	t.shape = nil
}

// View returns a tensor sharing this buffer with a different shape.
// The view holds its own reference; release both.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	if t.refCount == nil {
		return nil, errors.New("view of released tensor")
	}
	if n := NumElements(shape); n != len(t.data) {
		return nil, errors.Errorf("cannot view %v as %v", t.shape, shape)
	}
	atomic.AddInt32(t.refCount, 1)
	v := &Tensor{
		data:     t.data,
		shape:    make([]int, len(shape)),
		refCount: t.refCount,
		pooled:   t.pooled,
	}
	copy(v.shape, shape)
	return v, nil
}

// Data returns the underlying buffer
func (t *Tensor) Data() []float32 {
	if t.refCount == nil {
		panic("tensor data is nil - tensor may have been released")
	}
	return t.data
}

// Shape returns a copy of the tensor shape
func (t *Tensor) Shape() []int {
	result := make([]int, len(t.shape))
	copy(result, t.shape)
	return result
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.data)
}

// Released reports whether this handle has been released
func (t *Tensor) Released() bool {
	return t.refCount == nil
}

// RefCount returns the current reference count (for debugging)
func (t *Tensor) RefCount() int32 {
	if t.refCount == nil {
		return 0
	}
	return atomic.LoadInt32(t.refCount)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v(refs=%d)", t.shape, t.RefCount())
}

// NumElements returns the element count of a shape
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}
