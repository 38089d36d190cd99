package optim

import (
	"math"

	"github.com/samcharles93/strata/internal/device"
)

func adagrad(val, grad, square []float32, h Hyper, decay bool) {
	for j := range val {
		g := grad[j]
		if decay {
			g += h.Reg * val[j]
		}
		square[j] += g * g
		val[j] -= h.Alpha * g / float32(math.Sqrt(float64(square[j]+h.Eps)))
	}
}

// UpdateAdagrad accumulates squared gradients into p.Square and scales the
// step by their inverse root. p.Mean is not used.
func UpdateAdagrad(rt *device.Runtime, p Dense, h Hyper) error {
	const op = "update_adagrad"
	if err := p.check(op, false); err != nil {
		return err
	}
	n := p.size()
	return rt.Launch(op, func() {
		val, grad, square := rt.Float32s(p.Val, n), rt.Float32s(p.Grad, n), rt.Float32s(p.Square, n)
		rt.Grid(blocks(n), func(b int) {
			lo, hi := span(b, n)
			adagrad(val[lo:hi], grad[lo:hi], square[lo:hi], h, !p.IsBias)
		})
	})
}

// UpdateAdagradSparse updates the touched rows only. Iters is optional;
// when set, touched rows advance it like the Adam variants do.
func UpdateAdagradSparse(rt *device.Runtime, p Sparse, h Hyper) error {
	const op = "update_adagrad_sparse"
	if err := p.check(op, false, false); err != nil {
		return err
	}
	rows, cols := p.Rows, p.Cols
	n := p.size()
	return rt.Launch(op, func() {
		val, grad, square := rt.Float32s(p.Val, n), rt.Float32s(p.Grad, n), rt.Float32s(p.Square, n)
		touched := rt.Bools(p.Touched, rows)
		var iters []int32
		if p.Iters != 0 {
			iters = rt.Int32s(p.Iters, rows)
		}
		rt.Grid(rows, func(r int) {
			if !touched[r] {
				return
			}
			lo, hi := r*cols, (r+1)*cols
			adagrad(val[lo:hi], grad[lo:hi], square[lo:hi], h, true)
			if iters != nil {
				iters[r] = nextIter(iters[r])
			}
		})
	})
}
