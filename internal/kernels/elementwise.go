package kernels

import "github.com/samcharles93/strata/internal/device"

// ScaledForward computes vals[i] = factors[i] * ins[i].
func (o *Ops) ScaledForward(ins []device.Ptr, dims []int, factors []float32, vals []device.Ptr) error {
	return o.scaled("scaled_forward", ins, dims, factors, vals, false)
}

// ScaledBackward adds factors[i] * grads[i] into inGrads[i].
func (o *Ops) ScaledBackward(grads []device.Ptr, dims []int, factors []float32, inGrads []device.Ptr) error {
	return o.scaled("scaled_backward", grads, dims, factors, inGrads, true)
}

func (o *Ops) scaled(name string, src []device.Ptr, dims []int, factors []float32, dst []device.Ptr, accumulate bool) error {
	n := len(src)
	if err := validate(name, n).ptrs("src", src).dims("dims", dims).
		count("factors", len(factors)).ptrs("dst", dst).done(); err != nil {
		return err
	}
	l := o.begin(name)
	sT, dT, fT, tT := l.ptrs(src), l.ints(dims), stage(l, factors), l.ptrs(dst)
	rt := o.rt
	return l.run(func() {
		s, d, f, t := sT.load(rt), dT.load(rt), fT.load(rt), tT.load(rt)
		rt.Grid(n, func(i int) {
			in, out := o.f32(s[i], int(d[i])), o.f32(t[i], int(d[i]))
			for j, x := range in {
				if accumulate {
					atomicAdd(&out[j], f[i]*x)
				} else {
					out[j] = f[i] * x
				}
			}
		})
	})
}

// BiasForward computes vals[i] = ins[i] + bias over dim elements.
func (o *Ops) BiasForward(ins []device.Ptr, bias device.Ptr, dim int, vals []device.Ptr) error {
	n := len(ins)
	if err := validate("bias_forward", n).ptrs("ins", ins).ptr("bias", bias).
		ptrs("vals", vals).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("bias_forward")
	xT, yT := l.ptrs(ins), l.ptrs(vals)
	rt := o.rt
	return l.run(func() {
		x, y := xT.load(rt), yT.load(rt)
		b := o.f32(bias, dim)
		rt.Grid(n, func(i int) {
			in, out := o.f32(x[i], dim), o.f32(y[i], dim)
			for j := range dim {
				out[j] = in[j] + b[j]
			}
		})
	})
}

// BiasBackward adds grads[i] into inGrads[i] and their sum into biasGrad.
func (o *Ops) BiasBackward(grads []device.Ptr, dim int, biasGrad device.Ptr, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("bias_backward", n).ptrs("grads", grads).ptr("bias_grad", biasGrad).
		ptrs("in_grads", inGrads).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("bias_backward")
	gT, igT := l.ptrs(grads), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig := gT.load(rt), igT.load(rt)
		bg := o.f32(biasGrad, dim)
		rt.Grid(n, func(i int) {
			gi := o.f32(g[i], dim)
			addInto(o.f32(ig[i], dim), gi)
			addInto(bg, gi)
		})
	})
}

// PointwiseLinearForward computes vals[i] = ins[i] * g + b elementwise.
func (o *Ops) PointwiseLinearForward(ins []device.Ptr, dim int, g, b device.Ptr, vals []device.Ptr) error {
	n := len(ins)
	if err := validate("pointwise_linear_forward", n).ptrs("ins", ins).ptr("g", g).ptr("b", b).
		ptrs("vals", vals).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("pointwise_linear_forward")
	xT, yT := l.ptrs(ins), l.ptrs(vals)
	rt := o.rt
	return l.run(func() {
		x, y := xT.load(rt), yT.load(rt)
		gv, bv := o.f32(g, dim), o.f32(b, dim)
		rt.Grid(n, func(i int) {
			in, out := o.f32(x[i], dim), o.f32(y[i], dim)
			for j := range dim {
				out[j] = in[j]*gv[j] + bv[j]
			}
		})
	})
}

// PointwiseLinearBackward accumulates dx = grad * g, dg = grad * x and
// db = grad.
func (o *Ops) PointwiseLinearBackward(grads, ins []device.Ptr, g device.Ptr, dim int, inGrads []device.Ptr, gGrad, bGrad device.Ptr) error {
	n := len(grads)
	if err := validate("pointwise_linear_backward", n).ptrs("grads", grads).ptrs("ins", ins).
		ptr("g", g).ptrs("in_grads", inGrads).ptr("g_grad", gGrad).ptr("b_grad", bGrad).
		check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("pointwise_linear_backward")
	gT, xT, igT := l.ptrs(grads), l.ptrs(ins), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		gs, xs, ig := gT.load(rt), xT.load(rt), igT.load(rt)
		gv, gg, bg := o.f32(g, dim), o.f32(gGrad, dim), o.f32(bGrad, dim)
		rt.Grid(n, func(i int) {
			gi, xi, dst := o.f32(gs[i], dim), o.f32(xs[i], dim), o.f32(ig[i], dim)
			for j := range dim {
				atomicAdd(&dst[j], gi[j]*gv[j])
				atomicAdd(&gg[j], gi[j]*xi[j])
				atomicAdd(&bg[j], gi[j])
			}
		})
	})
}

// PMultiForward computes vals[i] = ins1[i] * ins2[i] elementwise.
func (o *Ops) PMultiForward(ins1, ins2 []device.Ptr, dim int, vals []device.Ptr) error {
	n := len(ins1)
	if err := validate("pmulti_forward", n).ptrs("ins1", ins1).ptrs("ins2", ins2).
		ptrs("vals", vals).check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("pmulti_forward")
	aT, bT, yT := l.ptrs(ins1), l.ptrs(ins2), l.ptrs(vals)
	rt := o.rt
	return l.run(func() {
		a, b, y := aT.load(rt), bT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			av, bv, out := o.f32(a[i], dim), o.f32(b[i], dim), o.f32(y[i], dim)
			for j := range dim {
				out[j] = av[j] * bv[j]
			}
		})
	})
}

// PMultiBackward accumulates d1 = grad * in2 and d2 = grad * in1.
func (o *Ops) PMultiBackward(grads, ins1, ins2 []device.Ptr, dim int, inGrads1, inGrads2 []device.Ptr) error {
	n := len(grads)
	if err := validate("pmulti_backward", n).ptrs("grads", grads).ptrs("ins1", ins1).ptrs("ins2", ins2).
		ptrs("in_grads1", inGrads1).ptrs("in_grads2", inGrads2).
		check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("pmulti_backward")
	gT, aT, bT, daT, dbT := l.ptrs(grads), l.ptrs(ins1), l.ptrs(ins2), l.ptrs(inGrads1), l.ptrs(inGrads2)
	rt := o.rt
	return l.run(func() {
		g, a, b, da, db := gT.load(rt), aT.load(rt), bT.load(rt), daT.load(rt), dbT.load(rt)
		rt.Grid(n, func(i int) {
			gi, av, bv := o.f32(g[i], dim), o.f32(a[i], dim), o.f32(b[i], dim)
			d1, d2 := o.f32(da[i], dim), o.f32(db[i], dim)
			for j := range dim {
				atomicAdd(&d1[j], gi[j]*bv[j])
				atomicAdd(&d2[j], gi[j]*av[j])
			}
		})
	})
}

// FullDivForward computes results[i] = numerators[i] / denominators[i].
func (o *Ops) FullDivForward(numerators, denominators []device.Ptr, dims []int, results []device.Ptr) error {
	n := len(numerators)
	if err := validate("full_div_forward", n).ptrs("numerators", numerators).
		ptrs("denominators", denominators).dims("dims", dims).ptrs("results", results).done(); err != nil {
		return err
	}
	l := o.begin("full_div_forward")
	aT, bT, dT, yT := l.ptrs(numerators), l.ptrs(denominators), l.ints(dims), l.ptrs(results)
	rt := o.rt
	return l.run(func() {
		a, b, d, y := aT.load(rt), bT.load(rt), dT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			num, den, out := o.f32(a[i], dim), o.f32(b[i], dim), o.f32(y[i], dim)
			for j := range dim {
				out[j] = num[j] / den[j]
			}
		})
	})
}

// FullDivBackward accumulates dn = g/d and dd = -g*n/d^2.
func (o *Ops) FullDivBackward(grads, denominatorVals, numeratorVals []device.Ptr, dims []int, numeratorGrads, denominatorGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("full_div_backward", n).ptrs("grads", grads).
		ptrs("denominator_vals", denominatorVals).ptrs("numerator_vals", numeratorVals).dims("dims", dims).
		ptrs("numerator_grads", numeratorGrads).ptrs("denominator_grads", denominatorGrads).done(); err != nil {
		return err
	}
	l := o.begin("full_div_backward")
	gT, dvT, nvT, dT := l.ptrs(grads), l.ptrs(denominatorVals), l.ptrs(numeratorVals), l.ints(dims)
	ngT, dgT := l.ptrs(numeratorGrads), l.ptrs(denominatorGrads)
	rt := o.rt
	return l.run(func() {
		g, dv, nv, d, ng, dg := gT.load(rt), dvT.load(rt), nvT.load(rt), dT.load(rt), ngT.load(rt), dgT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			gi, den, num := o.f32(g[i], dim), o.f32(dv[i], dim), o.f32(nv[i], dim)
			dn, dd := o.f32(ng[i], dim), o.f32(dg[i], dim)
			for j := range dim {
				atomicAdd(&dn[j], gi[j]/den[j])
				atomicAdd(&dd[j], -gi[j]*num[j]/(den[j]*den[j]))
			}
		})
	})
}

// SubForward computes results[i] = minuend[i] - subtrahend[i].
func (o *Ops) SubForward(minuend, subtrahend []device.Ptr, dims []int, results []device.Ptr) error {
	n := len(minuend)
	if err := validate("sub_forward", n).ptrs("minuend", minuend).ptrs("subtrahend", subtrahend).
		dims("dims", dims).ptrs("results", results).done(); err != nil {
		return err
	}
	l := o.begin("sub_forward")
	aT, bT, dT, yT := l.ptrs(minuend), l.ptrs(subtrahend), l.ints(dims), l.ptrs(results)
	rt := o.rt
	return l.run(func() {
		a, b, d, y := aT.load(rt), bT.load(rt), dT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			av, bv, out := o.f32(a[i], dim), o.f32(b[i], dim), o.f32(y[i], dim)
			for j := range dim {
				out[j] = av[j] - bv[j]
			}
		})
	})
}

// SubBackward adds grads into minuendGrads and subtracts them from
// subtrahendGrads.
func (o *Ops) SubBackward(grads []device.Ptr, dims []int, minuendGrads, subtrahendGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("sub_backward", n).ptrs("grads", grads).dims("dims", dims).
		ptrs("minuend_grads", minuendGrads).ptrs("subtrahend_grads", subtrahendGrads).done(); err != nil {
		return err
	}
	l := o.begin("sub_backward")
	gT, dT, aT, bT := l.ptrs(grads), l.ints(dims), l.ptrs(minuendGrads), l.ptrs(subtrahendGrads)
	rt := o.rt
	return l.run(func() {
		g, d, a, b := gT.load(rt), dT.load(rt), aT.load(rt), bT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			gi, da, db := o.f32(g[i], dim), o.f32(a[i], dim), o.f32(b[i], dim)
			for j := range dim {
				atomicAdd(&da[j], gi[j])
				atomicAdd(&db[j], -gi[j])
			}
		})
	})
}

// PAddForward sums the inputs of each item: vals[i] = sum_k ins[i][k], over
// dims[i] elements. The dims are copied into dimArr, which PAddBackward
// reads instead of a second host description.
func (o *Ops) PAddForward(ins [][]device.Ptr, dims []int, vals []device.Ptr, dimArr *device.IntBuffer) error {
	n := len(ins)
	if err := validate("padd_forward", n).ragged("ins", ins).dims("dims", dims).ptrs("vals", vals).
		check(dimArr != nil, "dim array is nil").done(); err != nil {
		return err
	}
	d32 := make([]int32, n)
	for i, d := range dims {
		d32[i] = int32(d)
	}
	if err := dimArr.Init(d32); err != nil {
		return err
	}
	l := o.begin("padd_forward")
	xT, offT := l.flat(ins)
	yT := l.ptrs(vals)
	dp := dimArr.Ptr()
	rt := o.rt
	return l.run(func() {
		x, off, y := xT.load(rt), offT.load(rt), yT.load(rt)
		d := rt.Int32s(dp, n)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			sum := make([]float32, dim)
			for _, p := range x[off[i]:off[i+1]] {
				for j, v := range o.f32(p, dim) {
					sum[j] += v
				}
			}
			copy(o.f32(y[i], dim), sum)
		})
	})
}

// PAddBackward adds grads[i] into every inGrads[i][k].
func (o *Ops) PAddBackward(grads []device.Ptr, inGrads [][]device.Ptr, dimArr *device.IntBuffer) error {
	n := len(grads)
	v := validate("padd_backward", n).ptrs("grads", grads).ragged("in_grads", inGrads).
		check(dimArr != nil && dimArr.Initialized(), "dim array is not initialised")
	if dimArr != nil {
		v.count("dim_arr", dimArr.Len())
	}
	if err := v.done(); err != nil {
		return err
	}
	l := o.begin("padd_backward")
	gT := l.ptrs(grads)
	igT, offT := l.flat(inGrads)
	dp := dimArr.Ptr()
	rt := o.rt
	return l.run(func() {
		g, ig, off := gT.load(rt), igT.load(rt), offT.load(rt)
		d := rt.Int32s(dp, n)
		rt.Grid(n, func(i int) {
			gi := o.f32(g[i], int(d[i]))
			for _, p := range ig[off[i]:off[i+1]] {
				addInto(o.f32(p, len(gi)), gi)
			}
		})
	})
}
