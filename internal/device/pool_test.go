package device

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/logger"
)

func TestSizeClass(t *testing.T) {
	tests := []struct {
		size  int
		bytes int
	}{
		{0, 256},
		{1, 256},
		{256, 256},
		{257, 512},
		{1000, 1024},
		{1 << 20, 1 << 20},
		{1<<20 + 1, 1 << 21},
	}
	for _, tt := range tests {
		if _, got := sizeClass(tt.size); got != tt.bytes {
			t.Fatalf("sizeClass(%d)=%d want %d", tt.size, got, tt.bytes)
		}
	}
}

func TestPoolReusesFreedBlock(t *testing.T) {
	p := NewPool(0, nil)

	a, err := p.Malloc(1000)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := p.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	slabs := p.Stats().Heap.Slabs

	b, err := p.Malloc(1000)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if b != a {
		t.Fatalf("expected reuse of %s, got %s", a, b)
	}
	st := p.Stats()
	if st.Heap.Slabs != slabs {
		t.Fatalf("heap grew on reuse: %d -> %d slabs", slabs, st.Heap.Slabs)
	}
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", st.Hits, st.Misses)
	}

	// Same class, different request size.
	if err := p.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	c, err := p.Malloc(600)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if c != a {
		t.Fatalf("expected class reuse of %s, got %s", a, c)
	}
}

func TestPoolLIFOWithinClass(t *testing.T) {
	p := NewPool(0, nil)
	a, _ := p.Malloc(64)
	b, _ := p.Malloc(64)
	if a == b {
		t.Fatal("live blocks must not alias")
	}
	_ = p.Free(a)
	_ = p.Free(b)
	got, _ := p.Malloc(64)
	if got != b {
		t.Fatalf("expected most recently freed block %s, got %s", b, got)
	}
}

func TestPoolInvalidFreeIsFatal(t *testing.T) {
	p := NewPool(0, nil)
	a, _ := p.Malloc(8)

	if err := p.Free(a + 4); !IsFatal(err) || !errors.Is(err, ErrInvalidFree) {
		t.Fatalf("interior free: got %v", err)
	}
	if err := p.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.Free(a); !IsFatal(err) || !errors.Is(err, ErrInvalidFree) {
		t.Fatalf("double free: got %v", err)
	}
}

func TestPoolExhaustionIsFatal(t *testing.T) {
	p := NewPool(4096, nil)
	if _, err := p.Malloc(2048); err != nil {
		t.Fatalf("first Malloc: %v", err)
	}
	if _, err := p.Malloc(2048); err != nil {
		t.Fatalf("second Malloc: %v", err)
	}
	_, err := p.Malloc(1)
	if !IsFatal(err) || !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected fatal out of memory, got %v", err)
	}
}

func TestPoolReusedBlockIsZeroed(t *testing.T) {
	rt := newTestRuntime(t)
	p := rt.Pool()
	a, _ := p.Malloc(16)
	copy(rt.Float32s(a, 4), []float32{1, 2, 3, 4})
	_ = p.Free(a)
	b, _ := p.Malloc(16)
	for i, v := range rt.Float32s(b, 4) {
		if v != 0 {
			t.Fatalf("reused block not cleared at %d: %v", i, v)
		}
	}
}

func TestPoolStatsPeak(t *testing.T) {
	p := NewPool(0, nil)
	a, _ := p.Malloc(512)
	b, _ := p.Malloc(512)
	_ = p.Free(a)
	_ = p.Free(b)
	st := p.Stats()
	if st.PeakInUseBytes != 1024 {
		t.Fatalf("peak=%d want 1024", st.PeakInUseBytes)
	}
	if st.InUseBytes != 0 || st.InUseBlocks != 0 {
		t.Fatalf("in use after frees: %d bytes, %d blocks", st.InUseBytes, st.InUseBlocks)
	}
	if st.ReservedBytes != 1024 {
		t.Fatalf("reserved=%d want 1024", st.ReservedBytes)
	}
}

func faults(h *heap, p Ptr, bytes int) (faulted bool) {
	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			faulted = ok && errors.Is(err, ErrDeviceFault)
		}
	}()
	h.resolve(p, bytes)
	return false
}

func TestStrictHeapBoundsByRequestedSize(t *testing.T) {
	h := newHeap(0)
	h.strict = true
	p := newPool(h, nil)

	a, _ := p.Malloc(1000)
	if faults(h, a, 1000) {
		t.Fatal("access within the requested size faulted")
	}
	if !faults(h, a, 1001) {
		t.Fatal("access into class padding did not fault")
	}

	// A reused block takes the new owner's size.
	_ = p.Free(a)
	b, _ := p.Malloc(600)
	if b != a {
		t.Fatalf("expected reuse of %s, got %s", a, b)
	}
	if faults(h, b.AddBytes(596), 4) {
		t.Fatal("last requested element faulted")
	}
	if !faults(h, b.AddBytes(600), 4) {
		t.Fatal("access past the new request did not fault")
	}
}

func TestLenientHeapAllowsClassPadding(t *testing.T) {
	h := newHeap(0)
	p := newPool(h, nil)
	a, _ := p.Malloc(1000)
	if faults(h, a, 1024) {
		t.Fatal("lenient heap faulted inside the size class")
	}
	if !faults(h, a, 1025) {
		t.Fatal("access past the slab did not fault")
	}
}

func TestStrictRuntimeFaultsOnPadding(t *testing.T) {
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rt, err := Init(ctx, Config{Workers: 2, StrictBounds: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	ids, err := FromHost(rt, []int32{0, 1, 2})
	if err != nil {
		t.Fatalf("FromHost: %v", err)
	}
	defer func() { _ = ids.Release() }()

	_ = rt.Launch("read_past_ids", func() { _ = rt.Int32s(ids.Ptr(), 4) })
	if err := rt.Synchronize(); !IsFatal(err) || !errors.Is(err, ErrDeviceFault) {
		t.Fatalf("expected fatal device fault, got %v", err)
	}
}
