package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFrameAllocation is returned when frame backing memory is exhausted.
var ErrFrameAllocation = errors.New("vm: frame allocation failed")

// Allocator hands out fixed-size value buffers used as frame backing memory.
// A buffer is never resized; it is returned whole with Free.
type Allocator interface {
	Alloc(n int) ([]Value, error)
	Free(buf []Value)
}

// AllocStats reports allocator activity.
type AllocStats struct {
	Allocs int
	Frees  int
	InUse  int // values currently handed out
}

// ---------------------------------------------------------------------------
// HeapAllocator: detached frames
// ---------------------------------------------------------------------------

// HeapAllocator allocates from the Go heap under a value budget. Detached
// snapshot frames live here.
type HeapAllocator struct {
	mu    sync.Mutex
	limit int
	stats AllocStats
}

// NewHeapAllocator creates an allocator that refuses to hand out more than
// limit values at once. A limit <= 0 means unlimited.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

func (h *HeapAllocator) Alloc(n int) ([]Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.stats.InUse+n > h.limit {
		return nil, fmt.Errorf("%w: heap budget %d exceeded (in use %d, requested %d)",
			ErrFrameAllocation, h.limit, h.stats.InUse, n)
	}
	h.stats.Allocs++
	h.stats.InUse += n
	return make([]Value, n), nil
}

func (h *HeapAllocator) Free(buf []Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(buf)
	h.stats.Frees++
	h.stats.InUse -= len(buf)
}

// Stats returns a copy of the allocator's counters.
func (h *HeapAllocator) Stats() AllocStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// ---------------------------------------------------------------------------
// DataStack: running frames
// ---------------------------------------------------------------------------

// DataStack is a per-thread LIFO region that backs running frames. Frees
// must come in reverse allocation order.
type DataStack struct {
	chunk []Value
	top   int
	sizes []int
	stats AllocStats
}

// NewDataStack creates a data stack holding capacity values.
func NewDataStack(capacity int) *DataStack {
	return &DataStack{chunk: make([]Value, capacity)}
}

func (d *DataStack) Alloc(n int) ([]Value, error) {
	if d.top+n > len(d.chunk) {
		return nil, fmt.Errorf("%w: data stack overflow (capacity %d, in use %d, requested %d)",
			ErrFrameAllocation, len(d.chunk), d.top, n)
	}
	buf := d.chunk[d.top : d.top+n : d.top+n]
	d.top += n
	d.sizes = append(d.sizes, n)
	d.stats.Allocs++
	d.stats.InUse += n
	return buf, nil
}

func (d *DataStack) Free(buf []Value) {
	if len(d.sizes) == 0 {
		panic("vm: data stack free without allocation")
	}
	n := d.sizes[len(d.sizes)-1]
	if n != len(buf) {
		panic(fmt.Sprintf("vm: data stack free out of order (top block %d, freed %d)", n, len(buf)))
	}
	d.sizes = d.sizes[:len(d.sizes)-1]
	d.top -= n
	clear(d.chunk[d.top : d.top+n])
	d.stats.Frees++
	d.stats.InUse -= n
}

// Stats returns a copy of the data stack's counters.
func (d *DataStack) Stats() AllocStats { return d.stats }
