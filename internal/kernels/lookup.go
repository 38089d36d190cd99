package kernels

import "github.com/samcharles93/strata/internal/device"

// LookupForward copies entry ids[i] of the entry-major vocab table into
// outs[i]. Entry k occupies vocab[k*dim : (k+1)*dim].
func (o *Ops) LookupForward(ids []int, vocab device.Ptr, dim int, outs []device.Ptr) error {
	n := len(ids)
	if err := validate("lookup_forward", n).dims("ids", ids).ptr("vocab", vocab).
		ptrs("outs", outs).positive("dim", dim).done(); err != nil {
		return err
	}
	l := o.begin("lookup_forward")
	idT, yT := l.ints(ids), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		id, y := idT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			copy(o.f32(y[i], dim), o.f32(vocab.Add(int(id[i])*dim), dim))
		})
	})
}

// LookupBackward adds grads[i] into entry ids[i] of vocabGrad for every item
// with shouldBackward[i] set, and marks that entry in touched. touched may
// be zero when no sparse optimizer consumes the table. Entries of skipped
// items are left unmarked.
func (o *Ops) LookupBackward(ids []int, shouldBackward []bool, grads []device.Ptr, dim int, vocabGrad, touched device.Ptr) error {
	n := len(ids)
	if err := validate("lookup_backward", n).dims("ids", ids).count("should_backward", len(shouldBackward)).
		ptrs("grads", grads).ptr("vocab_grad", vocabGrad).positive("dim", dim).done(); err != nil {
		return err
	}
	l := o.begin("lookup_backward")
	idT, sbT, gT := l.ints(ids), stage(l, shouldBackward), l.ptrs(grads)
	rt := o.rt
	return l.run(func() {
		id, sb, g := idT.load(rt), sbT.load(rt), gT.load(rt)
		rt.Grid(n, func(i int) {
			if !sb[i] {
				return
			}
			addInto(o.f32(vocabGrad.Add(int(id[i])*dim), dim), o.f32(g[i], dim))
		})
		if touched == 0 {
			return
		}
		for i, k := range id {
			if sb[i] {
				rt.Bools(touched.AddBytes(int(k)), 1)[0] = true
			}
		}
	})
}
