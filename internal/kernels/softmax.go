package kernels

import (
	"math"

	"github.com/samcharles93/strata/internal/device"
)

// layerNormEps keeps the standard deviation away from zero.
const layerNormEps = 1e-6

func softmaxInto(dst, src []float32) {
	m := src[0]
	for _, v := range src[1:] {
		m = max(m, v)
	}
	var sum float64
	for j, v := range src {
		e := math.Exp(float64(v - m))
		dst[j] = float32(e)
		sum += e
	}
	inv := 1 / sum
	for j := range dst {
		dst[j] = float32(float64(dst[j]) * inv)
	}
}

// SoftmaxForward normalises every column of the rows[i] x cols[i] input.
func (o *Ops) SoftmaxForward(ins []device.Ptr, rows, cols []int, outs []device.Ptr) error {
	n := len(ins)
	if err := validate("softmax_forward", n).ptrs("ins", ins).dims("rows", rows).
		dims("cols", cols).ptrs("outs", outs).done(); err != nil {
		return err
	}
	l := o.begin("softmax_forward")
	xT, rT, cT, yT := l.ptrs(ins), l.ints(rows), l.ints(cols), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, r, c, y := xT.load(rt), rT.load(rt), cT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			nr, nc := int(r[i]), int(c[i])
			if nr == 0 {
				return
			}
			in, out := o.f32(x[i], nr*nc), o.f32(y[i], nr*nc)
			for col := range nc {
				softmaxInto(out[col*nr:(col+1)*nr], in[col*nr:(col+1)*nr])
			}
		})
	})
}

// SoftmaxBackward adds y * (g - sum(g*y)) per column into inGrads, where
// vals holds the forward outputs.
func (o *Ops) SoftmaxBackward(grads, vals []device.Ptr, rows, cols []int, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("softmax_backward", n).ptrs("grads", grads).ptrs("vals", vals).
		dims("rows", rows).dims("cols", cols).ptrs("in_grads", inGrads).done(); err != nil {
		return err
	}
	l := o.begin("softmax_backward")
	gT, vT, rT, cT, igT := l.ptrs(grads), l.ptrs(vals), l.ints(rows), l.ints(cols), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, v, r, c, ig := gT.load(rt), vT.load(rt), rT.load(rt), cT.load(rt), igT.load(rt)
		rt.Grid(n, func(i int) {
			nr, nc := int(r[i]), int(c[i])
			gi, yi, dst := o.f32(g[i], nr*nc), o.f32(v[i], nr*nc), o.f32(ig[i], nr*nc)
			for col := range nc {
				gc, yc := gi[col*nr:(col+1)*nr], yi[col*nr:(col+1)*nr]
				var dot float32
				for j := range gc {
					dot += gc[j] * yc[j]
				}
				for j := range gc {
					atomicAdd(&dst[col*nr+j], yc[j]*(gc[j]-dot))
				}
			}
		})
	})
}

// StandardLayerNormForward normalises each column of the row x cols[i]
// input to zero mean and unit variance. The standard deviation of column c
// of item i is kept at sds[i*max(cols)+c] for the backward pass.
func (o *Ops) StandardLayerNormForward(ins []device.Ptr, row int, cols []int, outs []device.Ptr, sds device.Ptr) error {
	n := len(ins)
	if err := validate("standard_layer_norm_forward", n).ptrs("ins", ins).dims("cols", cols).
		ptrs("outs", outs).ptr("sds", sds).positive("row", row).done(); err != nil {
		return err
	}
	maxCol := maxOf(cols)
	l := o.begin("standard_layer_norm_forward")
	xT, cT, yT := l.ptrs(ins), l.ints(cols), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, c, y := xT.load(rt), cT.load(rt), yT.load(rt)
		sd := o.f32(sds, n*maxCol)
		rt.Grid(n, func(i int) {
			nc := int(c[i])
			in, out := o.f32(x[i], row*nc), o.f32(y[i], row*nc)
			for col := range nc {
				xc, yc := in[col*row:(col+1)*row], out[col*row:(col+1)*row]
				var mean float64
				for _, v := range xc {
					mean += float64(v)
				}
				mean /= float64(row)
				var variance float64
				for _, v := range xc {
					d := float64(v) - mean
					variance += d * d
				}
				variance /= float64(row)
				s := math.Sqrt(variance + layerNormEps)
				for j, v := range xc {
					yc[j] = float32((float64(v) - mean) / s)
				}
				sd[i*maxCol+col] = float32(s)
			}
		})
	})
}

// StandardLayerNormBackward adds (g - mean(g) - y*mean(g*y)) / sd into
// inGrads, reading the sds written by the forward pass over the same cols.
func (o *Ops) StandardLayerNormBackward(grads []device.Ptr, row int, cols []int, vals []device.Ptr, sds device.Ptr, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("standard_layer_norm_backward", n).ptrs("grads", grads).dims("cols", cols).
		ptrs("vals", vals).ptr("sds", sds).ptrs("in_grads", inGrads).positive("row", row).done(); err != nil {
		return err
	}
	maxCol := maxOf(cols)
	l := o.begin("standard_layer_norm_backward")
	gT, cT, vT, igT := l.ptrs(grads), l.ints(cols), l.ptrs(vals), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, c, v, ig := gT.load(rt), cT.load(rt), vT.load(rt), igT.load(rt)
		sd := o.f32(sds, n*maxCol)
		rt.Grid(n, func(i int) {
			nc := int(c[i])
			gi, yi, dst := o.f32(g[i], row*nc), o.f32(v[i], row*nc), o.f32(ig[i], row*nc)
			for col := range nc {
				gc, yc := gi[col*row:(col+1)*row], yi[col*row:(col+1)*row]
				var gMean, gyMean float32
				for j := range gc {
					gMean += gc[j]
					gyMean += gc[j] * yc[j]
				}
				gMean /= float32(row)
				gyMean /= float32(row)
				inv := 1 / sd[i*maxCol+col]
				for j := range gc {
					atomicAdd(&dst[col*row+j], inv*(gc[j]-gMean-yc[j]*gyMean))
				}
			}
		})
	})
}

// itemLosses runs fill per item with a device slot for its loss and
// returns the host sum once the launch has completed.
func (o *Ops) itemLosses(l *launch, n int, fill func(losses []float32)) (float32, error) {
	buf, err := device.Zeros[float32](o.rt, n)
	if err != nil {
		_ = l.release()
		return 0, err
	}
	defer func() { _ = buf.Release() }()
	p := buf.Ptr()
	if err := l.run(func() { fill(o.f32(p, n)) }); err != nil {
		return 0, err
	}
	host, err := buf.ToHost()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range host {
		sum += float64(v)
	}
	return float32(sum), nil
}

// CrossEntropyLoss scores probability vectors against gold indexes. It adds
// -1/(p*batchSize) at the gold index of each grads[i] and returns
// sum(-ln p)/batchSize.
func (o *Ops) CrossEntropyLoss(probs []device.Ptr, answers []int, batchSize float32, grads []device.Ptr) (float32, error) {
	n := len(probs)
	v := validate("cross_entropy_loss", n).ptrs("probs", probs).dims("answers", answers).
		ptrs("grads", grads).check(batchSize > 0, "batch size %v must be positive", batchSize)
	if err := v.done(); err != nil {
		return 0, err
	}
	l := o.begin("cross_entropy_loss")
	pT, aT, gT := l.ptrs(probs), l.ints(answers), l.ptrs(grads)
	rt := o.rt
	return o.itemLosses(l, n, func(losses []float32) {
		p, a, g := pT.load(rt), aT.load(rt), gT.load(rt)
		rt.Grid(n, func(i int) {
			k := int(a[i])
			pk := o.f32(p[i].Add(k), 1)[0]
			losses[i] = float32(-math.Log(float64(pk))) / batchSize
			atomicAdd(&o.f32(g[i].Add(k), 1)[0], -1/(pk*batchSize))
		})
	})
}

// MultiCrossEntropyLoss is the per-label binary cross entropy of dim-wide
// probability vectors against 0/1 answers, scaled by factor.
func (o *Ops) MultiCrossEntropyLoss(probs []device.Ptr, answers [][]int, dim int, factor float32, grads []device.Ptr) (float32, error) {
	n := len(probs)
	v := validate("multi_cross_entropy_loss", n).ptrs("probs", probs).count("answers", len(answers)).
		ptrs("grads", grads).positive("dim", dim)
	for i, a := range answers {
		v.check(len(a) == dim, "answers[%d] has %d labels, want %d", i, len(a), dim)
	}
	if err := v.done(); err != nil {
		return 0, err
	}
	flat := make([]int, 0, n*dim)
	for _, a := range answers {
		flat = append(flat, a...)
	}
	l := o.begin("multi_cross_entropy_loss")
	pT, aT, gT := l.ptrs(probs), l.ints(flat), l.ptrs(grads)
	rt := o.rt
	return o.itemLosses(l, n, func(losses []float32) {
		p, a, g := pT.load(rt), aT.load(rt), gT.load(rt)
		rt.Grid(n, func(i int) {
			pi, gi := o.f32(p[i], dim), o.f32(g[i], dim)
			var loss float64
			for j, pj := range pi {
				if a[i*dim+j] != 0 {
					loss -= math.Log(float64(pj))
					atomicAdd(&gi[j], -factor/pj)
				} else {
					loss -= math.Log(float64(1 - pj))
					atomicAdd(&gi[j], factor/(1-pj))
				}
			}
			losses[i] = float32(loss) * factor
		})
	})
}

// KLCrossEntropyLoss is factor * sum a*(ln a - ln p) against host target
// distributions; the gradient is -factor*a/p.
func (o *Ops) KLCrossEntropyLoss(probs []device.Ptr, answers [][]float32, dim int, factor float32, grads []device.Ptr) (float32, error) {
	n := len(probs)
	v := validate("kl_cross_entropy_loss", n).ptrs("probs", probs).count("answers", len(answers)).
		ptrs("grads", grads).positive("dim", dim)
	for i, a := range answers {
		v.check(len(a) == dim, "answers[%d] has %d entries, want %d", i, len(a), dim)
	}
	if err := v.done(); err != nil {
		return 0, err
	}
	flat := make([]float32, 0, n*dim)
	for _, a := range answers {
		flat = append(flat, a...)
	}
	l := o.begin("kl_cross_entropy_loss")
	pT, aT, gT := l.ptrs(probs), stage(l, flat), l.ptrs(grads)
	rt := o.rt
	return o.itemLosses(l, n, func(losses []float32) {
		p, a, g := pT.load(rt), aT.load(rt), gT.load(rt)
		rt.Grid(n, func(i int) {
			pi, ai, gi := o.f32(p[i], dim), a[i*dim:(i+1)*dim], o.f32(g[i], dim)
			var loss float64
			for j, t := range ai {
				if t > 0 {
					loss += float64(t) * (math.Log(float64(t)) - math.Log(float64(pi[j])))
				}
				atomicAdd(&gi[j], -factor*t/pi[j])
			}
			losses[i] = float32(loss) * factor
		})
	})
}

func argmax(v []float32) int {
	best := 0
	for j := 1; j < len(v); j++ {
		if v[j] > v[best] {
			best = j
		}
	}
	return best
}

// SoftMaxLoss fuses softmax and cross entropy over dim-wide logits. It adds
// (p - onehot(gold))/batchSize into grads and returns the mean loss with
// the argmax of each item.
func (o *Ops) SoftMaxLoss(logits []device.Ptr, dim int, gold []int, batchSize int, grads []device.Ptr) (float32, []int, error) {
	n := len(logits)
	v := validate("softmax_loss", n).ptrs("logits", logits).dims("gold", gold).ptrs("grads", grads).
		positive("dim", dim).positive("batch_size", batchSize)
	for i, k := range gold {
		v.check(k < dim, "gold[%d]=%d outside dim %d", i, k, dim)
	}
	if err := v.done(); err != nil {
		return 0, nil, err
	}
	preds, err := device.Zeros[int32](o.rt, n)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = preds.Release() }()
	pp := preds.Ptr()
	inv := 1 / float32(batchSize)
	l := o.begin("softmax_loss")
	xT, aT, gT := l.ptrs(logits), l.ints(gold), l.ptrs(grads)
	rt := o.rt
	loss, err := o.itemLosses(l, n, func(losses []float32) {
		x, a, g := xT.load(rt), aT.load(rt), gT.load(rt)
		pred := rt.Int32s(pp, n)
		rt.Grid(n, func(i int) {
			in, gi := o.f32(x[i], dim), o.f32(g[i], dim)
			p := make([]float32, dim)
			softmaxInto(p, in)
			k := int(a[i])
			for j, pj := range p {
				if j == k {
					pj--
				}
				atomicAdd(&gi[j], pj*inv)
			}
			losses[i] = float32(-math.Log(float64(p[k]))) * inv
			pred[i] = int32(argmax(in))
		})
	})
	if err != nil {
		return 0, nil, err
	}
	host, err := preds.ToHost()
	if err != nil {
		return 0, nil, err
	}
	return loss, toInts(host), nil
}

func toInts(vs []int32) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(v)
	}
	return out
}

// Max writes the argmax of each dim-wide vals[i] to idx[i] and the maximum
// to maxVals[i].
func (o *Ops) Max(vals []device.Ptr, dim int, idx, maxVals device.Ptr) error {
	n := len(vals)
	if err := validate("max", n).ptrs("vals", vals).ptr("idx", idx).ptr("max_vals", maxVals).
		positive("dim", dim).done(); err != nil {
		return err
	}
	l := o.begin("max")
	xT := l.ptrs(vals)
	rt := o.rt
	return l.run(func() {
		x := xT.load(rt)
		ids, mv := rt.Int32s(idx, n), o.f32(maxVals, n)
		rt.Grid(n, func(i int) {
			in := o.f32(x[i], dim)
			k := argmax(in)
			ids[i], mv[i] = int32(k), in[k]
		})
	})
}

// Predict returns the argmax of each dim-wide vals[i].
func (o *Ops) Predict(vals []device.Ptr, dim int) ([]int, error) {
	n := len(vals)
	ids, err := device.Zeros[int32](o.rt, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ids.Release() }()
	maxVals, err := device.Zeros[float32](o.rt, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = maxVals.Release() }()
	if err := o.Max(vals, dim, ids.Ptr(), maxVals.Ptr()); err != nil {
		return nil, err
	}
	host, err := ids.ToHost()
	if err != nil {
		return nil, err
	}
	return toInts(host), nil
}
