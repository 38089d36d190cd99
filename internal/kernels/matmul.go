package kernels

import "github.com/samcharles93/strata/internal/device"

// maskedScore fills causally masked attention scores.
const maskedScore = -1e9

// product describes one ragged batched C_i = op(A_i) * B_i with per-item
// shapes; it backs the TranMatrixMul and MatrixMul families.
type product struct {
	name   string
	transA bool
	m, k   []int // op(A_i) is m_i x k_i
	n      []int // B_i is k_i x n_i
	masked bool
}

func (p product) lda(m, k int) int {
	if p.transA {
		return k
	}
	return m
}

type shapeTables struct {
	m, k, n table[int32]
}

// stageShapes copies the per-item shapes at call time; the caller may
// reuse its slices before the launch runs.
func (l *launch) stageShapes(p product) shapeTables {
	return shapeTables{m: l.ints(p.m), k: l.ints(p.k), n: l.ints(p.n)}
}

func (s shapeTables) load(rt *device.Runtime) (m, k, n []int32) {
	return s.m.load(rt), s.k.load(rt), s.n.load(rt)
}

func (o *Ops) productForward(p product, as, bs, vals []device.Ptr) error {
	cnt := len(as)
	if err := validate(p.name, cnt).ptrs("a", as).ptrs("b", bs).ptrs("vals", vals).
		dims("m", p.m).dims("k", p.k).dims("n", p.n).done(); err != nil {
		return err
	}
	l := o.begin(p.name)
	aT, bT, yT := l.ptrs(as), l.ptrs(bs), l.ptrs(vals)
	sT := l.stageShapes(p)
	rt := o.rt
	return l.run(func() {
		a, b, y := aT.load(rt), bT.load(rt), yT.load(rt)
		ms, ks, ns := sT.load(rt)
		rt.Grid(cnt, func(i int) {
			m, k, n := int(ms[i]), int(ks[i]), int(ns[i])
			c := o.f32(y[i], m*n)
			gemm(p.transA, false, m, n, k, 1, o.f32(a[i], m*k), p.lda(m, k), o.f32(b[i], k*n), k, 0, c, m)
			if p.masked {
				for col := range n {
					for row := col + 1; row < m; row++ {
						c[col*m+row] = maskedScore
					}
				}
			}
		})
	})
}

func (o *Ops) productBackward(p product, grads, as, bs, aGrads, bGrads []device.Ptr) error {
	cnt := len(grads)
	if err := validate(p.name, cnt).ptrs("grads", grads).ptrs("a", as).ptrs("b", bs).
		ptrs("a_grads", aGrads).ptrs("b_grads", bGrads).
		dims("m", p.m).dims("k", p.k).dims("n", p.n).done(); err != nil {
		return err
	}
	l := o.begin(p.name)
	gT, aT, bT, daT, dbT := l.ptrs(grads), l.ptrs(as), l.ptrs(bs), l.ptrs(aGrads), l.ptrs(bGrads)
	sT := l.stageShapes(p)
	rt := o.rt
	return l.run(func() {
		g, a, b, da, db := gT.load(rt), aT.load(rt), bT.load(rt), daT.load(rt), dbT.load(rt)
		ms, ks, ns := sT.load(rt)
		rt.Grid(cnt, func(i int) {
			m, k, n := int(ms[i]), int(ks[i]), int(ns[i])
			gi := o.f32(g[i], m*n)
			if p.masked {
				gi = append([]float32(nil), gi...)
				for col := range n {
					for row := col + 1; row < m; row++ {
						gi[col*m+row] = 0
					}
				}
			}
			A, B := o.f32(a[i], m*k), o.f32(b[i], k*n)

			tmpA := make([]float32, m*k)
			if p.transA {
				// A is stored k x m: dA = B * G^T.
				gemm(false, true, k, m, n, 1, B, k, gi, m, 0, tmpA, k)
			} else {
				// dA = G * B^T.
				gemm(false, true, m, k, n, 1, gi, m, B, k, 0, tmpA, m)
			}
			addInto(o.f32(da[i], m*k), tmpA)

			// dB = op(A)^T * G.
			tmpB := make([]float32, k*n)
			gemm(!p.transA, false, k, n, m, 1, A, p.lda(m, k), gi, m, 0, tmpB, k)
			addInto(o.f32(db[i], k*n), tmpB)
		})
	})
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// TranMatrixMulVectorForward computes vals[i] = M_i^T v_i for M_i of
// row x cols[i].
func (o *Ops) TranMatrixMulVectorForward(matrices, vectors []device.Ptr, cols []int, row int, vals []device.Ptr) error {
	n := len(matrices)
	return o.productForward(product{
		name: "tran_matrix_mul_vector_forward", transA: true,
		m: cols, k: repeat(row, n), n: repeat(1, n),
	}, matrices, vectors, vals)
}

func (o *Ops) TranMatrixMulVectorBackward(grads, matrixVals, vectorVals []device.Ptr, cols []int, row int, matrixGrads, vectorGrads []device.Ptr) error {
	n := len(grads)
	return o.productBackward(product{
		name: "tran_matrix_mul_vector_backward", transA: true,
		m: cols, k: repeat(row, n), n: repeat(1, n),
	}, grads, matrixVals, vectorVals, matrixGrads, vectorGrads)
}

// TranMatrixMulMatrixForward computes vals[i] = A_i^T B_i for A_i of
// row x aCols[i] and B_i of row x bCols[i]. With mask, entries whose row
// exceeds their column are set to a large negative score.
func (o *Ops) TranMatrixMulMatrixForward(as, bs []device.Ptr, aCols, bCols []int, row int, mask bool, vals []device.Ptr) error {
	return o.productForward(product{
		name: "tran_matrix_mul_matrix_forward", transA: true,
		m: aCols, k: repeat(row, len(as)), n: bCols, masked: mask,
	}, as, bs, vals)
}

// TranMatrixMulMatrixBackward drops the gradient at masked entries when
// mask is set.
func (o *Ops) TranMatrixMulMatrixBackward(grads, aVals, bVals []device.Ptr, aCols, bCols []int, row int, mask bool, aGrads, bGrads []device.Ptr) error {
	return o.productBackward(product{
		name: "tran_matrix_mul_matrix_backward", transA: true,
		m: aCols, k: repeat(row, len(grads)), n: bCols, masked: mask,
	}, grads, aVals, bVals, aGrads, bGrads)
}

// MatrixMulMatrixForward computes vals[i] = A_i B_i for A_i of row x ks[i]
// and B_i of ks[i] x bCols[i].
func (o *Ops) MatrixMulMatrixForward(as, bs []device.Ptr, ks, bCols []int, row int, vals []device.Ptr) error {
	return o.productForward(product{
		name: "matrix_mul_matrix_forward",
		m:    repeat(row, len(as)), k: ks, n: bCols,
	}, as, bs, vals)
}

func (o *Ops) MatrixMulMatrixBackward(grads, aVals, bVals []device.Ptr, ks, bCols []int, row int, aGrads, bGrads []device.Ptr) error {
	return o.productBackward(product{
		name: "matrix_mul_matrix_backward",
		m:    repeat(row, len(grads)), k: ks, n: bCols,
	}, grads, aVals, bVals, aGrads, bGrads)
}

// MatrixAndVectorMultiForward computes vals[i] = M_i v_i for M_i of
// row x cols[i].
func (o *Ops) MatrixAndVectorMultiForward(matrices, vectors []device.Ptr, row int, cols []int, vals []device.Ptr) error {
	n := len(matrices)
	return o.productForward(product{
		name: "matrix_and_vector_multi_forward",
		m:    repeat(row, n), k: cols, n: repeat(1, n),
	}, matrices, vectors, vals)
}

func (o *Ops) MatrixAndVectorMultiBackward(grads, matrices, vectors []device.Ptr, row int, cols []int, matrixGrads, vectorGrads []device.Ptr) error {
	n := len(grads)
	return o.productBackward(product{
		name: "matrix_and_vector_multi_backward",
		m:    repeat(row, n), k: cols, n: repeat(1, n),
	}, grads, matrices, vectors, matrixGrads, vectorGrads)
}
