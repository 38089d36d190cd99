package kernels

import "github.com/samcharles93/strata/internal/device"

// MatrixMultiplyMatrix computes y = op(W) * op(x), adding into y when
// accumulate is set. op(W) is row x col and op(x) is col x count. With
// transW, W is stored col x row; with transX, x is stored count x col.
func (o *Ops) MatrixMultiplyMatrix(w, x, y device.Ptr, row, col, count int, accumulate, transX, transW bool) error {
	if err := validate("matrix_multiply_matrix", 0).
		ptr("w", w).ptr("x", x).ptr("y", y).
		check(row >= 0 && col >= 0 && count >= 0, "negative shape %dx%dx%d", row, col, count).
		done(); err != nil {
		return err
	}
	lda := row
	if transW {
		lda = col
	}
	ldb := col
	if transX {
		ldb = count
	}
	beta := float32(0)
	if accumulate {
		beta = 1
	}
	rt := o.rt
	return rt.Launch("matrix_multiply_matrix", func() {
		gemm(transW, transX, row, count, col, 1,
			rt.Float32s(w, row*col), lda,
			rt.Float32s(x, col*count), ldb,
			beta, rt.Float32s(y, row*count), row)
	})
}

// LinearForward computes y_i = W x_i + b for x_i of inRow x inCols[i].
// W is outRow x inRow; bias may be nil.
func (o *Ops) LinearForward(ins []device.Ptr, inCols []int, inRow, outRow int, w, bias device.Ptr, outs []device.Ptr) error {
	n := len(ins)
	if err := validate("linear_forward", n).
		ptrs("ins", ins).dims("in_cols", inCols).ptrs("outs", outs).ptr("w", w).
		positive("in_row", inRow).positive("out_row", outRow).
		done(); err != nil {
		return err
	}
	total := sumOf(inCols)
	l := o.begin("linear_forward")
	inT, outT, colT := l.ptrs(ins), l.ptrs(outs), l.ints(inCols)
	xs, ys := l.scratch(inRow*total), l.scratch(outRow*total)
	rt := o.rt
	return l.run(func() {
		in, out, cols := inT.load(rt), outT.load(rt), colT.load(rt)
		x, y := o.f32(xs, inRow*total), o.f32(ys, outRow*total)
		offsets := columnOffsets(cols)
		rt.Grid(n, func(i int) {
			copy(x[offsets[i]*inRow:], o.f32(in[i], inRow*int(cols[i])))
		})
		gemm(false, false, outRow, total, inRow, 1, o.f32(w, outRow*inRow), outRow, x, inRow, 0, y, outRow)
		var b []float32
		if bias != 0 {
			b = o.f32(bias, outRow)
		}
		rt.Grid(n, func(i int) {
			dst := o.f32(out[i], outRow*int(cols[i]))
			copy(dst, y[offsets[i]*outRow:])
			for c := 0; b != nil && c < int(cols[i]); c++ {
				col := dst[c*outRow : (c+1)*outRow]
				for r := range col {
					col[r] += b[r]
				}
			}
		})
	})
}

// LinearBackward accumulates dW += G X^T, db += row sums of G and
// dx_i += W^T g_i. biasGrad may be nil.
func (o *Ops) LinearBackward(grads []device.Ptr, cols []int, inRow, outRow int, w device.Ptr, ins []device.Ptr, biasGrad device.Ptr, inGrads []device.Ptr, wGrad device.Ptr) error {
	n := len(grads)
	if err := validate("linear_backward", n).
		ptrs("grads", grads).dims("cols", cols).ptrs("ins", ins).ptrs("in_grads", inGrads).
		ptr("w", w).ptr("w_grad", wGrad).
		positive("in_row", inRow).positive("out_row", outRow).
		done(); err != nil {
		return err
	}
	total := sumOf(cols)
	l := o.begin("linear_backward")
	gT, inT, igT, colT := l.ptrs(grads), l.ptrs(ins), l.ptrs(inGrads), l.ints(cols)
	gs, xs, dxs := l.scratch(outRow*total), l.scratch(inRow*total), l.scratch(inRow*total)
	rt := o.rt
	return l.run(func() {
		gp, in, ig, cs := gT.load(rt), inT.load(rt), igT.load(rt), colT.load(rt)
		g, x, dx := o.f32(gs, outRow*total), o.f32(xs, inRow*total), o.f32(dxs, inRow*total)
		offsets := columnOffsets(cs)
		rt.Grid(n, func(i int) {
			c := int(cs[i])
			copy(g[offsets[i]*outRow:], o.f32(gp[i], outRow*c))
			copy(x[offsets[i]*inRow:], o.f32(in[i], inRow*c))
		})
		W := o.f32(w, outRow*inRow)
		gemm(false, true, outRow, inRow, total, 1, g, outRow, x, inRow, 1, o.f32(wGrad, outRow*inRow), outRow)
		if biasGrad != 0 {
			bg := o.f32(biasGrad, outRow)
			rt.Grid(outRow, func(r int) {
				var sum float32
				for c := range total {
					sum += g[c*outRow+r]
				}
				bg[r] += sum
			})
		}
		gemm(true, false, inRow, total, outRow, 1, W, outRow, g, outRow, 0, dx, inRow)
		rt.Grid(n, func(i int) {
			c := int(cs[i])
			addInto(o.f32(ig[i], inRow*c), dx[offsets[i]*inRow:(offsets[i]+c)*inRow])
		})
	})
}

func columnOffsets(cols []int32) []int {
	offsets := make([]int, len(cols)+1)
	for i, c := range cols {
		offsets[i+1] = offsets[i] + int(c)
	}
	return offsets
}

// CopyForUniNodeForward packs x_i into xsDest[i*xLen:] and, with useB,
// repeats b into bDest[i*bLen:].
func (o *Ops) CopyForUniNodeForward(xs []device.Ptr, b, xsDest, bDest device.Ptr, xLen, bLen int, useB bool) error {
	n := len(xs)
	v := validate("copy_for_uni_node_forward", n).ptrs("xs", xs).ptr("xs_dest", xsDest)
	if useB {
		v.ptr("b", b).ptr("b_dest", bDest)
	}
	if err := v.done(); err != nil {
		return err
	}
	l := o.begin("copy_for_uni_node_forward")
	xT := l.ptrs(xs)
	rt := o.rt
	return l.run(func() {
		ps := xT.load(rt)
		dst := o.f32(xsDest, n*xLen)
		var bd, bv []float32
		if useB {
			bd, bv = o.f32(bDest, n*bLen), o.f32(b, bLen)
		}
		rt.Grid(n, func(i int) {
			copy(dst[i*xLen:(i+1)*xLen], o.f32(ps[i], xLen))
			if useB {
				copy(bd[i*bLen:(i+1)*bLen], bv)
			}
		})
	})
}

// AddLtyToParamBiasAndAddLxToInputLossesForUniBackward adds the column sums
// of the packed output gradient lty (outDim x count) into the bias gradient
// b and scatters the packed input gradient lx (inDim x count) into losses.
func (o *Ops) AddLtyToParamBiasAndAddLxToInputLossesForUniBackward(lty, lx, b device.Ptr, losses []device.Ptr, outDim, inDim int, useB bool) error {
	return o.addLtyLx("uni_backward", lty, b, outDim, useB, []device.Ptr{lx}, [][]device.Ptr{losses}, []int{inDim})
}

// AddLtyToParamBiasAndAddLxToInputLossesForBiBackward is the two-input form.
func (o *Ops) AddLtyToParamBiasAndAddLxToInputLossesForBiBackward(lty, lx1, lx2, b device.Ptr, losses1, losses2 []device.Ptr, outDim, inDim1, inDim2 int, useB bool) error {
	return o.addLtyLx("bi_backward", lty, b, outDim, useB, []device.Ptr{lx1, lx2}, [][]device.Ptr{losses1, losses2}, []int{inDim1, inDim2})
}

func (o *Ops) addLtyLx(name string, lty, b device.Ptr, outDim int, useB bool, lxs []device.Ptr, losses [][]device.Ptr, inDims []int) error {
	n := len(losses[0])
	v := validate(name, n).ptr("lty", lty)
	for k := range lxs {
		v.ptr("lx", lxs[k]).ptrs("losses", losses[k])
	}
	if useB {
		v.ptr("b", b)
	}
	if err := v.done(); err != nil {
		return err
	}
	l := o.begin(name)
	tables := make([]table[device.Ptr], len(losses))
	for k := range losses {
		tables[k] = l.ptrs(losses[k])
	}
	rt := o.rt
	return l.run(func() {
		if useB {
			g := o.f32(lty, outDim*n)
			bg := o.f32(b, outDim)
			rt.Grid(outDim, func(r int) {
				var sum float32
				for i := range n {
					sum += g[i*outDim+r]
				}
				bg[r] += sum
			})
		}
		for k, t := range tables {
			dim := inDims[k]
			ps := t.load(rt)
			lx := o.f32(lxs[k], dim*n)
			rt.Grid(n, func(i int) {
				addInto(o.f32(ps[i], dim), lx[i*dim:(i+1)*dim])
			})
		}
	})
}
