package kernels

import "github.com/samcharles93/strata/internal/device"

func prefix(ds []int) []int32 {
	out := make([]int32, len(ds)+1)
	for i, d := range ds {
		out[i+1] = out[i] + int32(d)
	}
	return out
}

func (v *validator) uniform(name string, ins [][]device.Ptr, width int) *validator {
	for i, list := range ins {
		if len(list) != width {
			return v.fail("%s[%d] has %d inputs, want %d", name, i, len(list), width)
		}
	}
	return v
}

// ConcatForward stacks the inputs of each item by rows: input k of item i is
// inRows[k] x cols[i] and the output is sum(inRows) x cols[i].
func (o *Ops) ConcatForward(ins [][]device.Ptr, inRows []int, outs []device.Ptr, cols []int) error {
	return o.concat("concat_forward", ins, inRows, outs, cols, false)
}

// ConcatBackward adds the row blocks of grads into inGrads.
func (o *Ops) ConcatBackward(inGrads [][]device.Ptr, inRows []int, grads []device.Ptr, cols []int) error {
	return o.concat("concat_backward", inGrads, inRows, grads, cols, true)
}

func (o *Ops) concat(name string, parts [][]device.Ptr, inRows []int, whole []device.Ptr, cols []int, backward bool) error {
	n := len(whole)
	if err := validate(name, n).ragged("parts", parts).uniform("parts", parts, len(inRows)).
		ptrs("whole", whole).dims("cols", cols).done(); err != nil {
		return err
	}
	for _, r := range inRows {
		if r < 0 {
			return validate(name, 0).fail("negative input rows %d", r).done()
		}
	}
	width := len(inRows)
	rowOff := prefix(inRows)
	outRow := int(rowOff[width])
	l := o.begin(name)
	pT, _ := l.flat(parts)
	wT, cT, rT := l.ptrs(whole), l.ints(cols), stage(l, rowOff)
	rt := o.rt
	return l.run(func() {
		p, w, c, ro := pT.load(rt), wT.load(rt), cT.load(rt), rT.load(rt)
		rt.Grid(n, func(i int) {
			nc := int(c[i])
			big := o.f32(w[i], outRow*nc)
			for k := range width {
				rows := int(ro[k+1] - ro[k])
				part := o.f32(p[i*width+k], rows*nc)
				for col := range nc {
					seg := big[col*outRow+int(ro[k]) : col*outRow+int(ro[k])+rows]
					blk := part[col*rows : (col+1)*rows]
					if backward {
						addInto(blk, seg)
					} else {
						copy(seg, blk)
					}
				}
			}
		})
	})
}

// SplitForward extracts rows [offsets[i], offsets[i]+rows[i]) of each
// inRows[i] x cols[i] input.
func (o *Ops) SplitForward(ins []device.Ptr, offsets, rows, inRows, cols []int, outs []device.Ptr) error {
	return o.split("split_forward", ins, offsets, rows, inRows, cols, outs, false)
}

// SplitBackward adds grads back into the matching row block of inGrads.
func (o *Ops) SplitBackward(grads []device.Ptr, offsets, rows, inRows, cols []int, inGrads []device.Ptr) error {
	return o.split("split_backward", inGrads, offsets, rows, inRows, cols, grads, true)
}

func (o *Ops) split(name string, whole []device.Ptr, offsets, rows, inRows, cols []int, parts []device.Ptr, backward bool) error {
	n := len(whole)
	v := validate(name, n).ptrs("whole", whole).dims("offsets", offsets).dims("rows", rows).
		dims("in_rows", inRows).dims("cols", cols).ptrs("parts", parts)
	if v.err == nil {
		for i := range n {
			v.check(offsets[i]+rows[i] <= inRows[i], "item %d splits rows [%d, %d) of %d", i, offsets[i], offsets[i]+rows[i], inRows[i])
		}
	}
	if err := v.done(); err != nil {
		return err
	}
	l := o.begin(name)
	wT, pT := l.ptrs(whole), l.ptrs(parts)
	offT, rT, irT, cT := l.ints(offsets), l.ints(rows), l.ints(inRows), l.ints(cols)
	rt := o.rt
	return l.run(func() {
		w, p, off, r, ir, c := wT.load(rt), pT.load(rt), offT.load(rt), rT.load(rt), irT.load(rt), cT.load(rt)
		rt.Grid(n, func(i int) {
			nr, nir, nc, start := int(r[i]), int(ir[i]), int(c[i]), int(off[i])
			big, part := o.f32(w[i], nir*nc), o.f32(p[i], nr*nc)
			for col := range nc {
				seg := big[col*nir+start : col*nir+start+nr]
				blk := part[col*nr : (col+1)*nr]
				if backward {
					addInto(seg, blk)
				} else {
					copy(blk, seg)
				}
			}
		})
	})
}

// ScalarConcatForward gathers the scalars ins[i][k] into element k of
// outs[i].
func (o *Ops) ScalarConcatForward(ins [][]device.Ptr, outs []device.Ptr) error {
	n := len(outs)
	if err := validate("scalar_concat_forward", n).ragged("ins", ins).ptrs("outs", outs).done(); err != nil {
		return err
	}
	l := o.begin("scalar_concat_forward")
	xT, offT := l.flat(ins)
	yT := l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, off, y := xT.load(rt), offT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			srcs := x[off[i]:off[i+1]]
			out := o.f32(y[i], len(srcs))
			for k, p := range srcs {
				out[k] = o.f32(p, 1)[0]
			}
		})
	})
}

// ScalarConcatBackward adds element k of grads[i] into the scalar
// inGrads[i][k].
func (o *Ops) ScalarConcatBackward(grads []device.Ptr, inGrads [][]device.Ptr) error {
	n := len(grads)
	if err := validate("scalar_concat_backward", n).ptrs("grads", grads).ragged("in_grads", inGrads).done(); err != nil {
		return err
	}
	l := o.begin("scalar_concat_backward")
	gT := l.ptrs(grads)
	igT, offT := l.flat(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig, off := gT.load(rt), igT.load(rt), offT.load(rt)
		rt.Grid(n, func(i int) {
			dsts := ig[off[i]:off[i+1]]
			gi := o.f32(g[i], len(dsts))
			for k, p := range dsts {
				atomicAdd(&o.f32(p, 1)[0], gi[k])
			}
		})
	})
}

// MatrixConcatForward lays the inDim-wide vectors ins[i] out as the columns
// of an inDim x len(ins[i]) matrix.
func (o *Ops) MatrixConcatForward(ins [][]device.Ptr, inDim int, outs []device.Ptr) error {
	n := len(outs)
	if err := validate("matrix_concat_forward", n).ragged("ins", ins).ptrs("outs", outs).
		check(inDim >= 0, "negative dim %d", inDim).done(); err != nil {
		return err
	}
	l := o.begin("matrix_concat_forward")
	xT, offT := l.flat(ins)
	yT := l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, off, y := xT.load(rt), offT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			srcs := x[off[i]:off[i+1]]
			out := o.f32(y[i], inDim*len(srcs))
			for k, p := range srcs {
				copy(out[k*inDim:(k+1)*inDim], o.f32(p, inDim))
			}
		})
	})
}

// MatrixConcatBackward adds column k of grads[i] into inGrads[i][k].
func (o *Ops) MatrixConcatBackward(grads []device.Ptr, inDim int, inGrads [][]device.Ptr) error {
	n := len(grads)
	if err := validate("matrix_concat_backward", n).ptrs("grads", grads).ragged("in_grads", inGrads).
		check(inDim >= 0, "negative dim %d", inDim).done(); err != nil {
		return err
	}
	l := o.begin("matrix_concat_backward")
	gT := l.ptrs(grads)
	igT, offT := l.flat(inGrads)
	rt := o.rt
	return l.run(func() {
		g, ig, off := gT.load(rt), igT.load(rt), offT.load(rt)
		rt.Grid(n, func(i int) {
			dsts := ig[off[i]:off[i+1]]
			gi := o.f32(g[i], inDim*len(dsts))
			for k, p := range dsts {
				addInto(o.f32(p, inDim), gi[k*inDim:(k+1)*inDim])
			}
		})
	})
}

// ScalarToVectorForward broadcasts each of the inputCol scalars of ins[i]
// down a column of the rows[i] x inputCol output.
func (o *Ops) ScalarToVectorForward(ins []device.Ptr, inputCol int, rows []int, outs []device.Ptr) error {
	n := len(ins)
	if err := validate("scalar_to_vector_forward", n).ptrs("ins", ins).dims("rows", rows).ptrs("outs", outs).
		check(inputCol >= 0, "negative input col %d", inputCol).done(); err != nil {
		return err
	}
	l := o.begin("scalar_to_vector_forward")
	xT, rT, yT := l.ptrs(ins), l.ints(rows), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, r, y := xT.load(rt), rT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			nr := int(r[i])
			in, out := o.f32(x[i], inputCol), o.f32(y[i], nr*inputCol)
			for c, v := range in {
				col := out[c*nr : (c+1)*nr]
				for j := range col {
					col[j] = v
				}
			}
		})
	})
}

// ScalarToVectorBackward adds the column sums of grads[i] into inGrads[i].
func (o *Ops) ScalarToVectorBackward(grads []device.Ptr, inputCol int, rows []int, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("scalar_to_vector_backward", n).ptrs("grads", grads).dims("rows", rows).
		ptrs("in_grads", inGrads).check(inputCol >= 0, "negative input col %d", inputCol).done(); err != nil {
		return err
	}
	l := o.begin("scalar_to_vector_backward")
	gT, rT, igT := l.ptrs(grads), l.ints(rows), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, r, ig := gT.load(rt), rT.load(rt), igT.load(rt)
		rt.Grid(n, func(i int) {
			nr := int(r[i])
			gi, dst := o.f32(g[i], nr*inputCol), o.f32(ig[i], inputCol)
			for c := range inputCol {
				var sum float32
				for _, v := range gi[c*nr : (c+1)*nr] {
					sum += v
				}
				atomicAdd(&dst[c], sum)
			}
		})
	})
}

// VectorSumForward reduces each column of the dims[i] x col input to one
// element: outs[i] is 1 x col.
func (o *Ops) VectorSumForward(ins []device.Ptr, col int, dims []int, outs []device.Ptr) error {
	n := len(ins)
	if err := validate("vector_sum_forward", n).ptrs("ins", ins).dims("dims", dims).ptrs("outs", outs).
		check(col >= 0, "negative col %d", col).done(); err != nil {
		return err
	}
	l := o.begin("vector_sum_forward")
	xT, dT, yT := l.ptrs(ins), l.ints(dims), l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		x, d, y := xT.load(rt), dT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			in, out := o.f32(x[i], dim*col), o.f32(y[i], col)
			for c := range col {
				var sum float32
				for _, v := range in[c*dim : (c+1)*dim] {
					sum += v
				}
				out[c] = sum
			}
		})
	})
}

// VectorSumBackward adds grads[i][c] to every element of column c of
// inGrads[i].
func (o *Ops) VectorSumBackward(grads []device.Ptr, col int, dims []int, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("vector_sum_backward", n).ptrs("grads", grads).dims("dims", dims).
		ptrs("in_grads", inGrads).check(col >= 0, "negative col %d", col).done(); err != nil {
		return err
	}
	l := o.begin("vector_sum_backward")
	gT, dT, igT := l.ptrs(grads), l.ints(dims), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, d, ig := gT.load(rt), dT.load(rt), igT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			gi, dst := o.f32(g[i], col), o.f32(ig[i], dim*col)
			for c, v := range gi {
				for j := range dim {
					atomicAdd(&dst[c*dim+j], v)
				}
			}
		})
	})
}

// ParamRowForward copies row rowIndex of the paramRows x dim column-major
// param into every outs[i].
func (o *Ops) ParamRowForward(param device.Ptr, rowIndex, paramRows, dim int, outs []device.Ptr) error {
	n := len(outs)
	if err := validate("param_row_forward", n).ptr("param", param).ptrs("outs", outs).
		check(rowIndex >= 0 && rowIndex < paramRows, "row %d outside %d rows", rowIndex, paramRows).
		check(dim >= 0, "negative dim %d", dim).done(); err != nil {
		return err
	}
	l := o.begin("param_row_forward")
	yT := l.ptrs(outs)
	rt := o.rt
	return l.run(func() {
		y := yT.load(rt)
		p := o.f32(param, paramRows*dim)
		rt.Grid(n, func(i int) {
			out := o.f32(y[i], dim)
			for j := range out {
				out[j] = p[j*paramRows+rowIndex]
			}
		})
	})
}
