package device

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// Ptr is a device address. The zero value is the nil device pointer.
type Ptr uint64

// ElemSize is the byte width of the numeric element type (float32).
const ElemSize = 4

// Add offsets p by n numeric elements.
func (p Ptr) Add(n int) Ptr {
	return p + Ptr(n*ElemSize)
}

// AddBytes offsets p by n bytes.
func (p Ptr) AddBytes(n int) Ptr {
	return p + Ptr(n)
}

func (p Ptr) String() string {
	return fmt.Sprintf("0x%012x", uint64(p))
}

const (
	heapBase  Ptr = 0x7f0000000000
	heapAlign     = 256
)

// slab is one fresh allocation from the backing heap. Storage is a
// []uint64 so that every view up to 8-byte elements is aligned.
type slab struct {
	base  Ptr
	bytes int
	words []uint64
	limit int // bytes requested by the current owner
}

func (s *slab) end() Ptr {
	return s.base + Ptr(s.bytes)
}

// heap plays the role of the platform allocator beneath the pool. It only
// grows: slabs are reclaimed wholesale when the heap is dropped.
type heap struct {
	mu     sync.RWMutex
	strict bool // bound accesses by the requested size, not the slab
	budget int64
	used   int64
	next   Ptr
	slabs  []*slab // sorted by base
}

// HeapStats describes the backing heap.
type HeapStats struct {
	Slabs       int   `json:"slabs"`
	BytesUsed   int64 `json:"bytes_used"`
	BytesBudget int64 `json:"bytes_budget"`
}

func newHeap(budget int64) *heap {
	return &heap{budget: budget, next: heapBase}
}

func (h *heap) alloc(bytes int) (Ptr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("heap alloc size must be > 0")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.budget > 0 && h.used+int64(bytes) > h.budget {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfMemory, bytes, h.used, h.budget)
	}
	s := &slab{
		base:  h.next,
		bytes: bytes,
		words: make([]uint64, (bytes+7)/8),
		limit: bytes,
	}
	h.slabs = append(h.slabs, s)
	h.used += int64(bytes)
	h.next += Ptr(roundUp(bytes, heapAlign) + heapAlign)
	return s.base, nil
}

func (h *heap) find(p Ptr) *slab {
	i := sort.Search(len(h.slabs), func(i int) bool {
		return h.slabs[i].end() > p
	})
	if i == len(h.slabs) || h.slabs[i].base > p {
		return nil
	}
	return h.slabs[i]
}

// setLimit records the size requested for the slab at p.
func (h *heap) setLimit(p Ptr, bytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.find(p); s != nil {
		s.limit = min(bytes, s.bytes)
	}
}

// resolve returns the byte range [p, p+bytes). It raises a device fault
// when the range is not inside a single slab or, on a strict heap, runs
// past the size the slab's owner asked for.
func (h *heap) resolve(p Ptr, bytes int) []byte {
	return h.span(p, bytes, h.strict)
}

func (h *heap) span(p Ptr, bytes int, strict bool) []byte {
	if bytes < 0 {
		faultf("negative access of %d bytes at %s", bytes, p)
	}
	h.mu.RLock()
	s := h.find(p)
	var end Ptr
	if s != nil {
		end = s.end()
		if strict {
			end = s.base + Ptr(s.limit)
		}
	}
	h.mu.RUnlock()
	if s == nil {
		faultf("access at unmapped address %s", p)
	}
	if p+Ptr(bytes) > end {
		faultf("access of %d bytes at %s overruns block [%s, %s)", bytes, p, s.base, end)
	}
	if bytes == 0 {
		return nil
	}
	all := unsafe.Slice((*byte)(unsafe.Pointer(&s.words[0])), len(s.words)*8)
	off := int(p - s.base)
	return all[off : off+bytes : off+bytes]
}

func (h *heap) stats() HeapStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HeapStats{
		Slabs:       len(h.slabs),
		BytesUsed:   h.used,
		BytesBudget: h.budget,
	}
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
