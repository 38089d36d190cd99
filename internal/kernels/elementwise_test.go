package kernels

import (
	"testing"

	"github.com/samcharles93/strata/internal/device"
)

func TestScaledAndBias(t *testing.T) {
	f := newFixture(t)
	a, b := f.vec(1, 2), f.vec(3)
	ya, yb := f.zeros(2), f.zeros(1)
	f.must(f.ops.ScaledForward([]device.Ptr{a, b}, []int{2, 1}, []float32{2, -1}, []device.Ptr{ya, yb}))
	assertClose(t, "ya", f.read(ya, 2), []float32{2, 4}, 0)
	assertClose(t, "yb", f.read(yb, 1), []float32{-3}, 0)
	da := f.zeros(2)
	f.must(f.ops.ScaledBackward([]device.Ptr{f.vec(1, 1)}, []int{2}, []float32{0.5}, []device.Ptr{da}))
	assertClose(t, "da", f.read(da, 2), []float32{0.5, 0.5}, 0)

	bias := f.vec(10, 20)
	y := f.zeros(2)
	f.must(f.ops.BiasForward([]device.Ptr{a}, bias, 2, []device.Ptr{y}))
	assertClose(t, "bias", f.read(y, 2), []float32{11, 22}, 0)

	bg, g1, g2 := f.zeros(2), f.zeros(2), f.zeros(2)
	f.must(f.ops.BiasBackward([]device.Ptr{f.vec(1, 2), f.vec(3, 4)}, 2, bg, []device.Ptr{g1, g2}))
	assertClose(t, "bias grad", f.read(bg, 2), []float32{4, 6}, 0)
	assertClose(t, "g2", f.read(g2, 2), []float32{3, 4}, 0)
}

func TestPointwiseLinear(t *testing.T) {
	f := newFixture(t)
	x, g, b := f.vec(1, 2), f.vec(3, 4), f.vec(0.5, -0.5)
	y := f.zeros(2)
	f.must(f.ops.PointwiseLinearForward([]device.Ptr{x}, 2, g, b, []device.Ptr{y}))
	assertClose(t, "y", f.read(y, 2), []float32{3.5, 7.5}, 0)

	dx, dg, db := f.zeros(2), f.zeros(2), f.zeros(2)
	f.must(f.ops.PointwiseLinearBackward([]device.Ptr{f.vec(1, -1)}, []device.Ptr{x}, g, 2, []device.Ptr{dx}, dg, db))
	assertClose(t, "dx", f.read(dx, 2), []float32{3, -4}, 0)
	assertClose(t, "dg", f.read(dg, 2), []float32{1, -2}, 0)
	assertClose(t, "db", f.read(db, 2), []float32{1, -1}, 0)
}

func TestPMultiFullDivSub(t *testing.T) {
	f := newFixture(t)
	a, b := f.vec(2, 3), f.vec(4, -1)
	y := f.zeros(2)
	f.must(f.ops.PMultiForward([]device.Ptr{a}, []device.Ptr{b}, 2, []device.Ptr{y}))
	assertClose(t, "pmulti", f.read(y, 2), []float32{8, -3}, 0)
	da, db := f.zeros(2), f.zeros(2)
	f.must(f.ops.PMultiBackward([]device.Ptr{f.vec(1, 1)}, []device.Ptr{a}, []device.Ptr{b}, 2, []device.Ptr{da}, []device.Ptr{db}))
	assertClose(t, "pmulti da", f.read(da, 2), []float32{4, -1}, 0)
	assertClose(t, "pmulti db", f.read(db, 2), []float32{2, 3}, 0)

	q := f.zeros(2)
	f.must(f.ops.FullDivForward([]device.Ptr{a}, []device.Ptr{b}, []int{2}, []device.Ptr{q}))
	assertClose(t, "div", f.read(q, 2), []float32{0.5, -3}, 1e-6)
	dn, dd := f.zeros(2), f.zeros(2)
	f.must(f.ops.FullDivBackward([]device.Ptr{f.vec(1, 1)}, []device.Ptr{b}, []device.Ptr{a}, []int{2}, []device.Ptr{dn}, []device.Ptr{dd}))
	assertClose(t, "div dn", f.read(dn, 2), []float32{0.25, -1}, 1e-6)
	assertClose(t, "div dd", f.read(dd, 2), []float32{-2.0 / 16, -3}, 1e-6)

	s := f.zeros(2)
	f.must(f.ops.SubForward([]device.Ptr{a}, []device.Ptr{b}, []int{2}, []device.Ptr{s}))
	assertClose(t, "sub", f.read(s, 2), []float32{-2, 4}, 0)
	sa, sb := f.zeros(2), f.zeros(2)
	f.must(f.ops.SubBackward([]device.Ptr{f.vec(1, 2)}, []int{2}, []device.Ptr{sa}, []device.Ptr{sb}))
	assertClose(t, "sub da", f.read(sa, 2), []float32{1, 2}, 0)
	assertClose(t, "sub db", f.read(sb, 2), []float32{-1, -2}, 0)
}

func TestPAddReusesDeviceDims(t *testing.T) {
	f := newFixture(t)
	dimArr := device.NewBuffer[int32](f.rt)
	defer func() { _ = dimArr.Release() }()

	item0 := []device.Ptr{f.vec(1, 2, 3), f.vec(10, 20, 30)}
	item1 := []device.Ptr{f.vec(5), f.vec(6), f.vec(7)}
	y0, y1 := f.zeros(3), f.zeros(1)
	f.must(f.ops.PAddForward([][]device.Ptr{item0, item1}, []int{3, 1}, []device.Ptr{y0, y1}, dimArr))
	assertClose(t, "y0", f.read(y0, 3), []float32{11, 22, 33}, 0)
	assertClose(t, "y1", f.read(y1, 1), []float32{18}, 0)
	if got, _ := dimArr.ToHost(); len(got) != 2 || got[0] != 3 || got[1] != 1 {
		t.Fatalf("dim array %v", got)
	}

	g0 := []device.Ptr{f.zeros(3), f.zeros(3)}
	g1 := []device.Ptr{f.zeros(1), f.zeros(1), f.zeros(1)}
	f.must(f.ops.PAddBackward([]device.Ptr{f.vec(1, 2, 3), f.vec(4)}, [][]device.Ptr{g0, g1}, dimArr))
	assertClose(t, "g0[1]", f.read(g0[1], 3), []float32{1, 2, 3}, 0)
	assertClose(t, "g1[2]", f.read(g1[2], 1), []float32{4}, 0)

	fresh := device.NewBuffer[int32](f.rt)
	if err := f.ops.PAddBackward([]device.Ptr{y1}, [][]device.Ptr{{y1}}, fresh); err == nil {
		t.Fatal("expected error for an uninitialised dim array")
	}
}
