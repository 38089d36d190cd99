package kernels

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

type releaser interface{ Release() error }

type fixture struct {
	t    *testing.T
	rt   *device.Runtime
	ops  *Ops
	held []releaser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rt, err := device.Init(ctx, device.Config{Workers: 4, Seed: 7})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	f := &fixture{t: t, rt: rt, ops: New(rt)}
	t.Cleanup(func() {
		for _, b := range f.held {
			_ = b.Release()
		}
		if err := rt.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return f
}

func (f *fixture) vec(vals ...float32) device.Ptr {
	f.t.Helper()
	b, err := device.FromHost(f.rt, vals)
	if err != nil {
		f.t.Fatalf("FromHost: %v", err)
	}
	f.held = append(f.held, b)
	return b.Ptr()
}

func (f *fixture) zeros(n int) device.Ptr {
	f.t.Helper()
	b, err := device.Zeros[float32](f.rt, n)
	if err != nil {
		f.t.Fatalf("Zeros: %v", err)
	}
	f.held = append(f.held, b)
	return b.Ptr()
}

func (f *fixture) ints(n int) device.Ptr {
	f.t.Helper()
	b, err := device.Zeros[int32](f.rt, n)
	if err != nil {
		f.t.Fatalf("Zeros: %v", err)
	}
	f.held = append(f.held, b)
	return b.Ptr()
}

func (f *fixture) read(p device.Ptr, n int) []float32 {
	f.t.Helper()
	out := make([]float32, n)
	if err := device.CopyToHost(f.rt, out, p); err != nil {
		f.t.Fatalf("CopyToHost: %v", err)
	}
	return out
}

func (f *fixture) readInts(p device.Ptr, n int) []int32 {
	f.t.Helper()
	out := make([]int32, n)
	if err := device.CopyToHost(f.rt, out, p); err != nil {
		f.t.Fatalf("CopyToHost: %v", err)
	}
	return out
}

func (f *fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("kernel: %v", err)
	}
}

func assertClose(t *testing.T, label string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len %d want %d", label, len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("%s[%d] = %v, want %v (got %v)", label, i, got[i], want[i], got)
		}
	}
}

// naiveMul multiplies column-major a (m x k) by b (k x n).
func naiveMul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	for j := range n {
		for i := range m {
			var s float32
			for p := range k {
				s += a[p*m+i] * b[j*k+p]
			}
			c[j*m+i] = s
		}
	}
	return c
}

func transpose(a []float32, rows, cols int) []float32 {
	out := make([]float32, len(a))
	for j := range cols {
		for i := range rows {
			out[i*cols+j] = a[j*rows+i]
		}
	}
	return out
}

func TestInvalidBatchEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	x, y := f.vec(1, 2), f.zeros(2)
	before := f.rt.Stream().Launched()

	cases := map[string]error{
		"count mismatch": f.ops.ActivationForward(Tanh, []device.Ptr{x, x}, []int{2}, []device.Ptr{y, y}),
		"nil pointer":    f.ops.ActivationForward(Tanh, []device.Ptr{0}, []int{2}, []device.Ptr{y}),
		"negative dim":   f.ops.SubForward([]device.Ptr{x}, []device.Ptr{x}, []int{-1}, []device.Ptr{y}),
		"bad activation": f.ops.ActivationForward(Activation(42), []device.Ptr{x}, []int{2}, []device.Ptr{y}),
		"linear shapes":  f.ops.LinearForward([]device.Ptr{x}, []int{1, 1}, 2, 1, x, 0, []device.Ptr{y}),
	}
	for name, err := range cases {
		if !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: expected ErrInvalidBatch, got %v", name, err)
		}
	}
	if got := f.rt.Stream().Launched(); got != before {
		t.Fatalf("invalid batches launched %d kernels", got-before)
	}
}

func TestStagingTablesAreReturned(t *testing.T) {
	f := newFixture(t)
	x, y := f.vec(1, -1, 2), f.zeros(3)
	inUse := f.rt.Pool().Stats().InUseBlocks
	f.must(f.ops.ActivationForward(Relu, []device.Ptr{x}, []int{3}, []device.Ptr{y}))
	f.must(f.rt.Synchronize())
	if got := f.rt.Pool().Stats().InUseBlocks; got != inUse {
		t.Fatalf("in-use blocks %d after launch, want %d", got, inUse)
	}
	assertClose(t, "relu", f.read(y, 3), []float32{1, 0, 2}, 0)
}

func TestFaultDoesNotStrandTables(t *testing.T) {
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rt, err := device.Init(ctx, device.Config{Workers: 2})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() { _ = rt.Close() }()
	ops := New(rt)
	x, _ := device.FromHost(rt, []float32{1, -1})
	y, _ := device.Zeros[float32](rt, 2)
	inUse := rt.Pool().Stats().InUseBlocks

	gate := make(chan struct{})
	_ = rt.Launch("fault", func() {
		<-gate
		panic("boom")
	})
	// queued behind the fault: its tables are freed even though it never runs
	if err := ops.ActivationForward(Relu, []device.Ptr{x.Ptr()}, []int{2}, []device.Ptr{y.Ptr()}); err != nil {
		t.Fatalf("ActivationForward: %v", err)
	}
	close(gate)
	if err := rt.Synchronize(); !device.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	// refused outright after the fault
	if err := ops.ActivationForward(Relu, []device.Ptr{x.Ptr()}, []int{2}, []device.Ptr{y.Ptr()}); !device.IsFatal(err) {
		t.Fatalf("launch after fault: %v", err)
	}
	if got := rt.Pool().Stats().InUseBlocks; got != inUse {
		t.Fatalf("in-use blocks %d after fault, want %d", got, inUse)
	}
	_ = x.Release()
	_ = y.Release()
}
