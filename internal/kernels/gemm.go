package kernels

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm computes C = alpha*op(A)*op(B) + beta*C on column-major operands,
// with op(A) m x k, op(B) k x n and C m x n, in cuBLAS argument order.
//
// gonum is row-major, and a column-major matrix is the row-major view of its
// transpose, so the call is issued as C^T = op(B)^T * op(A)^T.
func gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		scaleCols(c, m, n, ldc, beta)
		return
	}
	av := blas32.General{Rows: k, Cols: m, Stride: lda, Data: a}
	ta := blas.NoTrans
	if transA {
		av.Rows, av.Cols = m, k
		ta = blas.Trans
	}
	bv := blas32.General{Rows: n, Cols: k, Stride: ldb, Data: b}
	tb := blas.NoTrans
	if transB {
		bv.Rows, bv.Cols = k, n
		tb = blas.Trans
	}
	cv := blas32.General{Rows: n, Cols: m, Stride: ldc, Data: c}
	blas32.Gemm(tb, ta, alpha, bv, av, beta, cv)
}

func scaleCols(c []float32, m, n, ldc int, beta float32) {
	for j := range n {
		col := c[j*ldc : j*ldc+m]
		for i := range col {
			col[i] *= beta
		}
	}
}
