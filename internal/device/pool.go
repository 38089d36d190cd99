package device

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/samcharles93/strata/internal/logger"
)

const minBlockBytes = 256

// block is a pool-managed device address range.
type block struct {
	ptr   Ptr
	size  int // class size in bytes
	class int
	inUse bool
}

// PoolStats tracks allocator behaviour.
type PoolStats struct {
	Allocs         int64     `json:"allocs"`
	Frees          int64     `json:"frees"`
	Hits           int64     `json:"hits"`
	Misses         int64     `json:"misses"`
	InUseBlocks    int       `json:"in_use_blocks"`
	InUseBytes     int64     `json:"in_use_bytes"`
	ReservedBytes  int64     `json:"reserved_bytes"`
	PeakInUseBytes int64     `json:"peak_in_use_bytes"`
	Heap           HeapStats `json:"heap"`
}

// Pool is a free-list allocator over the device heap. Requests are rounded
// up to a power-of-two size class and served LIFO from the class free list;
// a miss takes a fresh slab from the heap. Freed blocks are kept for reuse
// and only go back to the platform when the runtime is dropped.
type Pool struct {
	mu     sync.Mutex
	heap   *heap
	log    logger.Logger
	live   map[Ptr]*block
	free   map[int][]*block
	stats  PoolStats
	closed bool
}

// NewPool creates a pool drawing on a heap of budget bytes (0 is unbounded).
func NewPool(budget int64, log logger.Logger) *Pool {
	return newPool(newHeap(budget), log)
}

func newPool(h *heap, log logger.Logger) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{
		heap: h,
		log:  log.With("component", "pool"),
		live: make(map[Ptr]*block),
		free: make(map[int][]*block),
	}
}

func sizeClass(size int) (class int, bytes int) {
	if size <= minBlockBytes {
		return bits.Len(minBlockBytes - 1), minBlockBytes
	}
	class = bits.Len(uint(size - 1))
	return class, 1 << class
}

// Malloc returns a block of at least size bytes. The block is zeroed.
// Heap exhaustion is fatal.
func (p *Pool) Malloc(size int) (Ptr, error) {
	if size < 0 {
		return 0, fatal("malloc", fmt.Errorf("negative size %d", size))
	}
	class, bytes := sizeClass(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, fatal("malloc", ErrClosed)
	}

	var b *block
	if list := p.free[class]; len(list) > 0 {
		b = list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		clear(p.heap.span(b.ptr, b.size, false))
		p.stats.Hits++
	} else {
		ptr, err := p.heap.alloc(bytes)
		if err != nil {
			p.log.Error("device allocation failed", "bytes", bytes, "error", err)
			return 0, fatal("malloc", err)
		}
		b = &block{ptr: ptr, size: bytes, class: class}
		p.stats.Misses++
		p.stats.ReservedBytes += int64(bytes)
		p.log.Debug("pool miss", "class_bytes", bytes, "ptr", ptr.String())
	}

	p.heap.setLimit(b.ptr, size)
	b.inUse = true
	p.live[b.ptr] = b
	p.stats.Allocs++
	p.stats.InUseBytes += int64(b.size)
	if p.stats.InUseBytes > p.stats.PeakInUseBytes {
		p.stats.PeakInUseBytes = p.stats.InUseBytes
	}
	return b.ptr, nil
}

// Free returns the block at ptr to its class free list. Freeing a pointer
// the pool did not hand out, or freeing twice, is fatal.
func (p *Pool) Free(ptr Ptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.live[ptr]
	if !ok {
		return fatalf("free", ErrInvalidFree, "ptr %s", ptr)
	}
	delete(p.live, ptr)
	b.inUse = false
	p.free[b.class] = append(p.free[b.class], b)
	p.stats.Frees++
	p.stats.InUseBytes -= int64(b.size)
	return nil
}

// BlockSize reports the class size of a live block.
func (p *Pool) BlockSize(ptr Ptr) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.live[ptr]
	if !ok {
		return 0, false
	}
	return b.size, true
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := p.stats
	s.InUseBlocks = len(p.live)
	p.mu.Unlock()
	s.Heap = p.heap.stats()
	return s
}

// close marks the pool unusable and reports the blocks still live.
func (p *Pool) close() (leaked int, leakedBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, b := range p.live {
		leaked++
		leakedBytes += int64(b.size)
	}
	return leaked, leakedBytes
}
