package kernels

import (
	"fmt"

	"github.com/samcharles93/strata/internal/device"
)

// Pooling selects the reduction of the pool kernels.
type Pooling int

const (
	Max Pooling = iota
	Min
	Sum
	Avg
)

func (p Pooling) String() string {
	switch p {
	case Max:
		return "max"
	case Min:
		return "min"
	case Sum:
		return "sum"
	case Avg:
		return "avg"
	default:
		return fmt.Sprintf("pooling(%d)", int(p))
	}
}

// PoolForward takes the elementwise max or min over the dim-wide inputs of
// each item. hits receives, per output element i*dim+j, the index of the
// winning input within ins[i]; ties keep the first.
func (o *Ops) PoolForward(pooling Pooling, ins [][]device.Ptr, dim int, outs []device.Ptr, hits device.Ptr) error {
	n := len(outs)
	v := validate("pool_forward", n).
		check(pooling == Max || pooling == Min, "pool_forward takes max or min, got %s", pooling).
		ragged("ins", ins).ptrs("outs", outs).ptr("hits", hits).positive("dim", dim)
	for i, list := range ins {
		v.check(len(list) > 0, "item %d has no inputs", i)
	}
	if err := v.done(); err != nil {
		return err
	}
	less := pooling == Min
	l := o.begin("pool_forward")
	xT, offT := l.flat(ins)
	yT := l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, off, y := xT.load(rt), offT.load(rt), yT.load(rt)
		h := rt.Int32s(hits, n*dim)
		rt.Grid(n, func(i int) {
			srcs := x[off[i]:off[i+1]]
			out, hit := o.f32(y[i], dim), h[i*dim:(i+1)*dim]
			copy(out, o.f32(srcs[0], dim))
			clear(hit)
			for k := 1; k < len(srcs); k++ {
				for j, v := range o.f32(srcs[k], dim) {
					if (less && v < out[j]) || (!less && v > out[j]) {
						out[j], hit[j] = v, int32(k)
					}
				}
			}
		})
	})
}

// PoolBackward routes grads[i][j] to the input recorded in hits.
func (o *Ops) PoolBackward(grads []device.Ptr, inGrads [][]device.Ptr, hits device.Ptr, dim int) error {
	n := len(grads)
	if err := validate("pool_backward", n).ptrs("grads", grads).ragged("in_grads", inGrads).
		ptr("hits", hits).positive("dim", dim).done(); err != nil {
		return err
	}
	l := o.begin("pool_backward")
	gT := l.ptrs(grads)
	igT, offT := l.flat(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig, off := gT.load(rt), igT.load(rt), offT.load(rt)
		h := rt.Int32s(hits, n*dim)
		rt.Grid(n, func(i int) {
			dsts := ig[off[i]:off[i+1]]
			for j, v := range o.f32(g[i], dim) {
				k := int(h[i*dim+j])
				if k < 0 || k >= len(dsts) {
					panic(fmt.Sprintf("hit index %d outside %d inputs", k, len(dsts)))
				}
				atomicAdd(&o.f32(dsts[k], dim)[j], v)
			}
		})
	})
}

// SumPoolForward sums, or averages, the dim-wide inputs of each item.
func (o *Ops) SumPoolForward(pooling Pooling, ins [][]device.Ptr, dim int, outs []device.Ptr) error {
	n := len(outs)
	if err := validate("sum_pool_forward", n).
		check(pooling == Sum || pooling == Avg, "sum_pool_forward takes sum or avg, got %s", pooling).
		ragged("ins", ins).ptrs("outs", outs).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("sum_pool_forward")
	xT, offT := l.flat(ins)
	yT := l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, off, y := xT.load(rt), offT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			srcs := x[off[i]:off[i+1]]
			sum := make([]float32, dim)
			for _, p := range srcs {
				for j, v := range o.f32(p, dim) {
					sum[j] += v
				}
			}
			if pooling == Avg && len(srcs) > 0 {
				inv := 1 / float32(len(srcs))
				for j := range sum {
					sum[j] *= inv
				}
			}
			copy(o.f32(y[i], dim), sum)
		})
	})
}

// SumPoolBackward adds grads[i], divided by the input count for avg, into
// every input gradient of item i.
func (o *Ops) SumPoolBackward(pooling Pooling, grads []device.Ptr, inGrads [][]device.Ptr, dim int) error {
	n := len(grads)
	if err := validate("sum_pool_backward", n).
		check(pooling == Sum || pooling == Avg, "sum_pool_backward takes sum or avg, got %s", pooling).
		ptrs("grads", grads).ragged("in_grads", inGrads).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("sum_pool_backward")
	gT := l.ptrs(grads)
	igT, offT := l.flat(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig, off := gT.load(rt), igT.load(rt), offT.load(rt)
		rt.Grid(n, func(i int) {
			dsts := ig[off[i]:off[i+1]]
			if len(dsts) == 0 {
				return
			}
			scale := float32(1)
			if pooling == Avg {
				scale = 1 / float32(len(dsts))
			}
			gi := o.f32(g[i], dim)
			for _, p := range dsts {
				dst := o.f32(p, dim)
				for j, v := range gi {
					atomicAdd(&dst[j], v*scale)
				}
			}
		})
	})
}

// MaxScalarForward splits each input into headCount heads of headDims[i]
// elements and writes the max of head h to outs[i][h]. indexes receives the
// position of each max within its input, at i*headCount+h.
func (o *Ops) MaxScalarForward(ins []device.Ptr, headCount int, headDims []int, outs []device.Ptr, indexes device.Ptr) error {
	n := len(ins)
	v := validate("max_scalar_forward", n).ptrs("ins", ins).dims("head_dims", headDims).
		ptrs("outs", outs).ptr("indexes", indexes).positive("head_count", headCount)
	for i, d := range headDims {
		v.check(d > 0, "item %d has empty heads", i)
	}
	if err := v.done(); err != nil {
		return err
	}
	l := o.begin("max_scalar_forward")
	xT, dT, yT := l.ptrs(ins), l.ints(headDims), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, d, y := xT.load(rt), dT.load(rt), yT.load(rt)
		idx := rt.Int32s(indexes, n*headCount)
		rt.Grid(n, func(i int) {
			hd := int(d[i])
			in, out := o.f32(x[i], headCount*hd), o.f32(y[i], headCount)
			for h := range headCount {
				best := h * hd
				for j := best + 1; j < (h+1)*hd; j++ {
					if in[j] > in[best] {
						best = j
					}
				}
				out[h], idx[i*headCount+h] = in[best], int32(best)
			}
		})
	})
}

// MaxScalarBackward adds grads[i][h] into the input element recorded by
// MaxScalarForward.
func (o *Ops) MaxScalarBackward(grads []device.Ptr, indexes device.Ptr, headCount int, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("max_scalar_backward", n).ptrs("grads", grads).ptr("indexes", indexes).
		ptrs("in_grads", inGrads).positive("head_count", headCount).done(); err != nil {
		return err
	}
	l := o.begin("max_scalar_backward")
	gT, igT := l.ptrs(grads), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig := gT.load(rt), igT.load(rt)
		idx := rt.Int32s(indexes, n*headCount)
		rt.Grid(n, func(i int) {
			for h, v := range o.f32(g[i], headCount) {
				k := int(idx[i*headCount+h])
				atomicAdd(&o.f32(ig[i].Add(k), 1)[0], v)
			}
		})
	})
}
