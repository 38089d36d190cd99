package probe

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/kernels"
	"github.com/samcharles93/strata/internal/verify"
)

// columnMajor converts a column-major float32 slice to a gonum matrix.
func columnMajor(rows, cols int, data []float32) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for j := range cols {
		for i := range rows {
			m.Set(i, j, float64(data[j*rows+i]))
		}
	}
	return m
}

// flatten is the inverse of columnMajor.
func flatten(m mat.Matrix) []float32 {
	rows, cols := m.Dims()
	out := make([]float32, rows*cols)
	for j := range cols {
		for i := range rows {
			out[j*rows+i] = float32(m.At(i, j))
		}
	}
	return out
}

// checkLinearReference compares a ragged LinearForward batch against a
// float64 product computed by gonum.
func checkLinearReference(_ context.Context, rt *device.Runtime) error {
	const inRow, outRow = 3, 2
	w := []float32{0.5, -1, 2, 0.25, -0.75, 1.5}
	bias := []float32{0.1, -0.2}
	items := [][]float32{
		{1, 2, 3},
		{-1, 0, 1, 4, 5, 6},
	}

	var h holder
	defer h.release()
	wp, err := h.nums(rt, w...)
	if err != nil {
		return err
	}
	bp, err := h.nums(rt, bias...)
	if err != nil {
		return err
	}
	ins := make([]device.Ptr, len(items))
	outs := make([]device.Ptr, len(items))
	cols := make([]int, len(items))
	for i, x := range items {
		cols[i] = len(x) / inRow
		if ins[i], err = h.nums(rt, x...); err != nil {
			return err
		}
		if outs[i], err = h.zeros(rt, outRow*cols[i]); err != nil {
			return err
		}
	}
	if err := kernels.New(rt).LinearForward(ins, cols, inRow, outRow, wp, bp, outs); err != nil {
		return err
	}

	W := columnMajor(outRow, inRow, w)
	for i, x := range items {
		var y mat.Dense
		y.Mul(W, columnMajor(inRow, cols[i], x))
		for j := range cols[i] {
			for r := range outRow {
				y.Set(r, j, y.At(r, j)+float64(bias[r]))
			}
		}
		if err := verify.Verify(rt, flatten(&y), outs[i], "linear item"); err != nil {
			return err
		}
	}
	return nil
}
