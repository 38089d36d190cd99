package kernels

import (
	"math"
	"testing"

	"github.com/samcharles93/strata/internal/device"
)

func TestActivationForwardRagged(t *testing.T) {
	f := newFixture(t)
	hostA := []float32{-1, 0, 0.5}
	hostB := []float32{2, -3}
	a, b := f.vec(hostA...), f.vec(hostB...)
	ya, yb := f.zeros(3), f.zeros(2)

	for _, act := range []Activation{Tanh, Sigmoid, Relu, LeakyRelu, Selu, Identity} {
		f.must(f.ops.ActivationForward(act, []device.Ptr{a, b}, []int{3, 2}, []device.Ptr{ya, yb}))
		want := func(xs []float32) []float32 {
			out := make([]float32, len(xs))
			for i, x := range xs {
				out[i] = act.apply(x)
			}
			return out
		}
		assertClose(t, act.String()+" a", f.read(ya, 3), want(hostA), 1e-6)
		assertClose(t, act.String()+" b", f.read(yb, 2), want(hostB), 1e-6)
	}
	if got := Tanh.apply(0.5); math.Abs(float64(got)-math.Tanh(0.5)) > 1e-6 {
		t.Fatalf("tanh(0.5) = %v", got)
	}
	if got := LeakyRelu.apply(-2); got != -0.2 {
		t.Fatalf("leaky_relu(-2) = %v", got)
	}
}

func TestActivationDerivativeFromOutput(t *testing.T) {
	const h = 1e-3
	for _, act := range []Activation{Tanh, Sigmoid, Selu} {
		for _, x := range []float32{-0.7, 0.3, 1.2} {
			numeric := (act.apply(x+h) - act.apply(x-h)) / (2 * h)
			if got := act.derive(act.apply(x)); math.Abs(float64(got-numeric)) > 1e-2 {
				t.Fatalf("%s'(%v) = %v, numeric %v", act, x, got, numeric)
			}
		}
	}
}

func TestActivationBackwardAccumulates(t *testing.T) {
	f := newFixture(t)
	x := f.vec(0.2, -0.4)
	y, dx := f.zeros(2), f.zeros(2)
	g := f.vec(1, 2)
	f.must(f.ops.ActivationForward(Sigmoid, []device.Ptr{x}, []int{2}, []device.Ptr{y}))
	f.must(f.ops.ActivationBackward(Sigmoid, []device.Ptr{g}, []device.Ptr{y}, []int{2}, []device.Ptr{dx}))
	once := f.read(dx, 2)
	f.must(f.ops.ActivationBackward(Sigmoid, []device.Ptr{g}, []device.Ptr{y}, []int{2}, []device.Ptr{dx}))
	twice := f.read(dx, 2)
	assertClose(t, "accumulated", twice, []float32{2 * once[0], 2 * once[1]}, 1e-6)

	ys := f.read(y, 2)
	assertClose(t, "once", once, []float32{ys[0] * (1 - ys[0]), 2 * ys[1] * (1 - ys[1])}, 1e-6)
}

func TestActivationBackwardSharedTarget(t *testing.T) {
	f := newFixture(t)
	const n = 64
	xs, ys, gs, dxs := make([]device.Ptr, n), make([]device.Ptr, n), make([]device.Ptr, n), make([]device.Ptr, n)
	dims := make([]int, n)
	shared := f.zeros(1)
	for i := range n {
		xs[i], ys[i], gs[i], dxs[i], dims[i] = f.vec(1), f.zeros(1), f.vec(1), shared, 1
	}
	f.must(f.ops.ActivationForward(Identity, xs, dims, ys))
	f.must(f.ops.ActivationBackward(Identity, gs, ys, dims, dxs))
	assertClose(t, "shared", f.read(shared, 1), []float32{n}, 0)
}

func TestDropout(t *testing.T) {
	f := newFixture(t)
	x := f.vec(1, 2, 3, 4)
	mask := f.vec(0.9, 0.1, 0.5, 0.3)
	y, dx := f.zeros(4), f.zeros(4)
	g := f.vec(1, 1, 1, 1)

	f.must(f.ops.DropoutForward([]device.Ptr{x}, []int{4}, []int{0}, true, mask, 0.4, []device.Ptr{y}))
	assertClose(t, "training y", f.read(y, 4), []float32{1 / 0.6, 0, 3 / 0.6, 0}, 1e-5)
	f.must(f.ops.DropoutBackward([]device.Ptr{g}, []int{4}, []int{0}, true, mask, 0.4, []device.Ptr{dx}))
	assertClose(t, "training dx", f.read(dx, 4), []float32{1 / 0.6, 0, 1 / 0.6, 0}, 1e-5)

	// item offsets index into one shared mask
	a, b := f.vec(5), f.vec(6, 7)
	ya, yb := f.zeros(1), f.zeros(2)
	f.must(f.ops.DropoutForward([]device.Ptr{a, b}, []int{1, 2}, []int{1, 2}, true, mask, 0.4, []device.Ptr{ya, yb}))
	assertClose(t, "offset a", f.read(ya, 1), []float32{0}, 0)
	assertClose(t, "offset b", f.read(yb, 2), []float32{6 / 0.6, 0}, 1e-5)

	f.must(f.ops.DropoutForward([]device.Ptr{x}, []int{4}, []int{0}, false, 0, 0.4, []device.Ptr{y}))
	assertClose(t, "inference y", f.read(y, 4), []float32{1, 2, 3, 4}, 0)
}

func TestCalculateDropoutMask(t *testing.T) {
	f := newFixture(t)
	m := f.zeros(256)
	f.must(f.ops.CalculateDropoutMask(m, 256))
	vals := f.read(m, 256)
	distinct := map[float32]bool{}
	for _, v := range vals {
		if v < 0 || v >= 1 {
			t.Fatalf("mask value %v outside [0, 1)", v)
		}
		distinct[v] = true
	}
	if len(distinct) < 200 {
		t.Fatalf("mask looks degenerate: %d distinct values", len(distinct))
	}
}

func TestBucketForward(t *testing.T) {
	f := newFixture(t)
	a, b := f.zeros(3), f.zeros(3)
	f.must(f.ops.BucketForward([]float32{1, 2, 3}, []device.Ptr{a, b}))
	assertClose(t, "a", f.read(a, 3), []float32{1, 2, 3}, 0)
	assertClose(t, "b", f.read(b, 3), []float32{1, 2, 3}, 0)
}
