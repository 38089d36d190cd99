package kernels

import (
	"sync"
	"testing"

	"github.com/samcharles93/strata/internal/device"
)

func TestTranMatrixMulVector(t *testing.T) {
	f := newFixture(t)
	// M is 2 x 3, v has 2 rows: M^T v has 3 entries.
	m := []float32{1, 2, 3, 4, 5, 6}
	v := []float32{1, -1}
	mp, vp, y := f.vec(m...), f.vec(v...), f.zeros(3)
	f.must(f.ops.TranMatrixMulVectorForward([]device.Ptr{mp}, []device.Ptr{vp}, []int{3}, 2, []device.Ptr{y}))
	assertClose(t, "y", f.read(y, 3), []float32{-1, -1, -1}, 1e-6)

	dm, dv := f.zeros(6), f.zeros(2)
	g := []float32{1, 2, 3}
	f.must(f.ops.TranMatrixMulVectorBackward([]device.Ptr{f.vec(g...)}, []device.Ptr{mp}, []device.Ptr{vp}, []int{3}, 2, []device.Ptr{dm}, []device.Ptr{dv}))
	// dM[r, c] = v[r] g[c]; dv = M g
	assertClose(t, "dm", f.read(dm, 6), []float32{1, -1, 2, -2, 3, -3}, 1e-6)
	assertClose(t, "dv", f.read(dv, 2), naiveMul(m, g, 2, 3, 1), 1e-5)
}

func TestTranMatrixMulMatrixMask(t *testing.T) {
	f := newFixture(t)
	const row = 2
	a := []float32{1, 0, 0, 1, 1, 1} // 2 x 3
	b := []float32{1, 2, 3, 4, 5, 6} // 2 x 3
	ap, bp := f.vec(a...), f.vec(b...)
	plain, masked := f.zeros(9), f.zeros(9)
	f.must(f.ops.TranMatrixMulMatrixForward([]device.Ptr{ap}, []device.Ptr{bp}, []int{3}, []int{3}, row, false, []device.Ptr{plain}))
	f.must(f.ops.TranMatrixMulMatrixForward([]device.Ptr{ap}, []device.Ptr{bp}, []int{3}, []int{3}, row, true, []device.Ptr{masked}))

	want := naiveMul(transpose(a, row, 3), b, 3, row, 3)
	assertClose(t, "plain", f.read(plain, 9), want, 1e-5)
	got := f.read(masked, 9)
	for c := range 3 {
		for r := range 3 {
			v := got[c*3+r]
			if r > c && v != maskedScore {
				t.Fatalf("(%d,%d)=%v should be masked", r, c, v)
			}
			if r <= c && v != want[c*3+r] {
				t.Fatalf("(%d,%d)=%v want %v", r, c, v, want[c*3+r])
			}
		}
	}

	ones := make([]float32, 9)
	for i := range ones {
		ones[i] = 1
	}
	da, db := f.zeros(6), f.zeros(6)
	f.must(f.ops.TranMatrixMulMatrixBackward([]device.Ptr{f.vec(ones...)}, []device.Ptr{ap}, []device.Ptr{bp}, []int{3}, []int{3}, row, true, []device.Ptr{da}, []device.Ptr{db}))
	// with the lower triangle masked, G is upper triangular ones.
	upper := []float32{1, 0, 0, 1, 1, 0, 1, 1, 1}
	assertClose(t, "da", f.read(da, 6), naiveMul(b, transpose(upper, 3, 3), row, 3, 3), 1e-5)
	assertClose(t, "db", f.read(db, 6), naiveMul(a, upper, row, 3, 3), 1e-5)
}

func TestMatrixMulMatrixBackwardAccumulates(t *testing.T) {
	f := newFixture(t)
	const row, k, n = 2, 3, 2
	a, b := seq(row*k, 1, 1), seq(k*n, -1, 0.5)
	ap, bp := f.vec(a...), f.vec(b...)
	y := f.zeros(row * n)
	f.must(f.ops.MatrixMulMatrixForward([]device.Ptr{ap}, []device.Ptr{bp}, []int{k}, []int{n}, row, []device.Ptr{y}))
	assertClose(t, "y", f.read(y, row*n), naiveMul(a, b, row, k, n), 1e-5)

	g := seq(row*n, 0.5, 0.25)
	gp := f.vec(g...)
	da, db := f.zeros(row*k), f.zeros(k*n)
	for range 2 {
		f.must(f.ops.MatrixMulMatrixBackward([]device.Ptr{gp}, []device.Ptr{ap}, []device.Ptr{bp}, []int{k}, []int{n}, row, []device.Ptr{da}, []device.Ptr{db}))
	}
	wantA := naiveMul(g, transpose(b, k, n), row, n, k)
	wantB := naiveMul(transpose(a, row, k), g, k, row, n)
	for i := range wantA {
		wantA[i] *= 2
	}
	for i := range wantB {
		wantB[i] *= 2
	}
	assertClose(t, "da", f.read(da, row*k), wantA, 1e-4)
	assertClose(t, "db", f.read(db, k*n), wantB, 1e-4)
}

func TestMatrixAndVectorMulti(t *testing.T) {
	f := newFixture(t)
	m := []float32{1, 2, 3, 4} // 2 x 2
	v := []float32{1, 1}
	mp, vp, y := f.vec(m...), f.vec(v...), f.zeros(2)
	long, lv, ly := f.vec(seq(6, 1, 1)...), f.vec(1, 0, -1), f.zeros(2)
	f.must(f.ops.MatrixAndVectorMultiForward([]device.Ptr{mp, long}, []device.Ptr{vp, lv}, 2, []int{2, 3}, []device.Ptr{y, ly}))
	assertClose(t, "y", f.read(y, 2), []float32{4, 6}, 1e-6)
	assertClose(t, "ragged", f.read(ly, 2), []float32{-4, -4}, 1e-6)

	dm, dv := f.zeros(4), f.zeros(2)
	f.must(f.ops.MatrixAndVectorMultiBackward([]device.Ptr{f.vec(1, 2)}, []device.Ptr{mp}, []device.Ptr{vp}, 2, []int{2}, []device.Ptr{dm}, []device.Ptr{dv}))
	assertClose(t, "dm", f.read(dm, 4), []float32{1, 2, 1, 2}, 1e-6)
	assertClose(t, "dv", f.read(dv, 2), []float32{5, 11}, 1e-6)
}

// hold blocks the stream until the returned func is called.
func (f *fixture) hold() func() {
	gate := make(chan struct{})
	f.must(f.rt.Launch("hold", func() { <-gate }))
	open := sync.OnceFunc(func() { close(gate) })
	f.t.Cleanup(open)
	return open
}

func TestMatrixMulMatrixCopiesShapes(t *testing.T) {
	f := newFixture(t)
	const row = 2
	ap, bp := f.vec(1, 2, 3, 4), f.vec(1, 1) // A is 2 x 2, b is 2 x 1
	gp, y, da, db := f.vec(1, 1), f.zeros(2), f.zeros(4), f.zeros(2)
	ks, cols := []int{2}, []int{1}

	// uploads synchronise, so everything is allocated before the hold
	open := f.hold()
	f.must(f.ops.MatrixMulMatrixForward([]device.Ptr{ap}, []device.Ptr{bp}, ks, cols, row, []device.Ptr{y}))
	f.must(f.ops.MatrixMulMatrixBackward([]device.Ptr{gp}, []device.Ptr{ap}, []device.Ptr{bp}, ks, cols, row,
		[]device.Ptr{da}, []device.Ptr{db}))
	ks[0], cols[0] = 1, 2
	open()

	assertClose(t, "y", f.read(y, 2), []float32{4, 6}, 1e-6)
	assertClose(t, "da", f.read(da, 4), []float32{1, 1, 1, 1}, 1e-6)
	assertClose(t, "db", f.read(db, 2), []float32{3, 7}, 1e-6)
}

func TestTranMatrixMulVectorCopiesShapes(t *testing.T) {
	f := newFixture(t)
	mp, vp, y := f.vec(1, 2, 3, 4, 5, 6), f.vec(1, -1), f.zeros(3)
	cols := []int{3}

	open := f.hold()
	f.must(f.ops.TranMatrixMulVectorForward([]device.Ptr{mp}, []device.Ptr{vp}, cols, 2, []device.Ptr{y}))
	cols[0] = 1
	open()

	assertClose(t, "y", f.read(y, 3), []float32{-1, -1, -1}, 1e-6)
}
