package optim

import (
	"math"

	"github.com/samcharles93/strata/internal/device"
)

type adamRule struct {
	h       Hyper
	decay   bool // weight decay applies to this parameter
	coupled bool // Adam folds decay into the gradient, AdamW into the value
}

func (r adamRule) apply(val, grad, mean, square []float32, lr float32) {
	h := r.h
	for j := range val {
		g := grad[j]
		if r.decay && r.coupled {
			g += h.Reg * val[j]
		}
		mean[j] = h.Beta1*mean[j] + (1-h.Beta1)*g
		square[j] = h.Beta2*square[j] + (1-h.Beta2)*g*g
		step := lr * mean[j] / (float32(math.Sqrt(float64(square[j]))) + h.Eps)
		if r.decay && !r.coupled {
			step += h.Alpha * h.Reg * val[j]
		}
		val[j] -= step
	}
}

// UpdateAdam applies one Adam step to a dense parameter. iter counts the
// updates already applied, so the bias correction uses t = iter+1. The L2
// term reg*val is added to the gradient of non-bias parameters.
func UpdateAdam(rt *device.Runtime, p Dense, iter int, h Hyper) error {
	return updateAdamDense(rt, "update_adam", p, iter, adamRule{h: h, decay: !p.IsBias, coupled: true})
}

// UpdateAdamW is UpdateAdam with decoupled weight decay: non-bias values
// shrink by alpha*reg*val after the moment step.
func UpdateAdamW(rt *device.Runtime, p Dense, iter int, h Hyper) error {
	return updateAdamDense(rt, "update_adamw", p, iter, adamRule{h: h, decay: !p.IsBias})
}

func updateAdamDense(rt *device.Runtime, op string, p Dense, iter int, rule adamRule) error {
	if err := p.check(op, true); err != nil {
		return err
	}
	if iter < 0 {
		return invalid(op, "negative iteration %d", iter)
	}
	n := p.size()
	lr := rule.h.stepSize(int64(iter) + 1)
	return rt.Launch(op, func() {
		val, grad := rt.Float32s(p.Val, n), rt.Float32s(p.Grad, n)
		mean, square := rt.Float32s(p.Mean, n), rt.Float32s(p.Square, n)
		rt.Grid(blocks(n), func(b int) {
			lo, hi := span(b, n)
			rule.apply(val[lo:hi], grad[lo:hi], mean[lo:hi], square[lo:hi], lr)
		})
	})
}

// UpdateAdamSparse applies Adam to the touched rows of p only. Each touched
// row advances its own counter once per call, however many times it was
// looked up during the step; untouched rows keep their values, moments and
// counters.
func UpdateAdamSparse(rt *device.Runtime, p Sparse, h Hyper) error {
	return updateAdamSparse(rt, "update_adam_sparse", p, adamRule{h: h, decay: true, coupled: true})
}

// UpdateAdamWSparse is UpdateAdamSparse with decoupled weight decay.
func UpdateAdamWSparse(rt *device.Runtime, p Sparse, h Hyper) error {
	return updateAdamSparse(rt, "update_adamw_sparse", p, adamRule{h: h, decay: true})
}

func updateAdamSparse(rt *device.Runtime, op string, p Sparse, rule adamRule) error {
	if err := p.check(op, true, true); err != nil {
		return err
	}
	rows, cols := p.Rows, p.Cols
	n := p.size()
	return rt.Launch(op, func() {
		val, grad := rt.Float32s(p.Val, n), rt.Float32s(p.Grad, n)
		mean, square := rt.Float32s(p.Mean, n), rt.Float32s(p.Square, n)
		touched, iters := rt.Bools(p.Touched, rows), rt.Int32s(p.Iters, rows)
		rt.Grid(rows, func(r int) {
			if !touched[r] {
				return
			}
			lo, hi := r*cols, (r+1)*cols
			lr := rule.h.stepSize(int64(iters[r]) + 1)
			rule.apply(val[lo:hi], grad[lo:hi], mean[lo:hi], square[lo:hi], lr)
			iters[r] = nextIter(iters[r])
		})
	})
}
