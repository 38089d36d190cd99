// Package optim updates parameters in device memory in place. Dense updates
// touch every element and share one step count; sparse updates touch only
// marked rows of an entry-major table and keep a step count per row.
package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/device"
)

// ErrInvalidParam reports a parameter description that cannot be updated.
var ErrInvalidParam = errors.New("invalid parameter")

// Hyper holds the optimizer hyperparameters. Adagrad ignores the betas.
type Hyper struct {
	Beta1 float32
	Beta2 float32
	Alpha float32
	Reg   float32
	Eps   float32
}

func DefaultAdam() Hyper {
	return Hyper{Beta1: 0.9, Beta2: 0.999, Alpha: 0.001, Reg: 0, Eps: 1e-8}
}

func DefaultAdagrad() Hyper {
	return Hyper{Alpha: 0.01, Reg: 0, Eps: 1e-8}
}

// Dense is a Rows x Cols parameter with its gradient and moment buffers.
// Mean is unused by Adagrad. Bias parameters skip weight decay.
type Dense struct {
	Val, Grad    device.Ptr
	Mean, Square device.Ptr
	Rows, Cols   int
	IsBias       bool
}

// Sparse is an entry-major table of Rows entries of Cols elements. Only
// rows with Touched set are updated; Iters holds the per-row step count.
type Sparse struct {
	Val, Grad    device.Ptr
	Mean, Square device.Ptr
	Rows, Cols   int
	Touched      device.Ptr // one bool per row
	Iters        device.Ptr // one int32 per row
}

func (d Dense) size() int  { return d.Rows * d.Cols }
func (s Sparse) size() int { return s.Rows * s.Cols }

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidParam, fmt.Sprintf(format, args...))
}

func (d Dense) check(op string, needMean bool) error {
	switch {
	case d.Val == 0 || d.Grad == 0 || d.Square == 0 || (needMean && d.Mean == 0):
		return invalid(op, "missing buffer")
	case d.Rows < 0 || d.Cols < 0:
		return invalid(op, "negative shape %dx%d", d.Rows, d.Cols)
	}
	return nil
}

func (s Sparse) check(op string, needMean, needIters bool) error {
	switch {
	case s.Val == 0 || s.Grad == 0 || s.Square == 0 || (needMean && s.Mean == 0):
		return invalid(op, "missing buffer")
	case s.Touched == 0:
		return invalid(op, "missing touched mask")
	case needIters && s.Iters == 0:
		return invalid(op, "missing iteration counters")
	case s.Rows < 0 || s.Cols < 0:
		return invalid(op, "negative shape %dx%d", s.Rows, s.Cols)
	}
	return nil
}

// stepSize is the bias-corrected Adam step for step count t >= 1.
func (h Hyper) stepSize(t int64) float32 {
	b1 := 1 - math.Pow(float64(h.Beta1), float64(t))
	b2 := 1 - math.Pow(float64(h.Beta2), float64(t))
	return float32(float64(h.Alpha) * math.Sqrt(b2) / b1)
}

// nextIter advances a row counter, saturating at MaxInt32.
func nextIter(it int32) int32 {
	if it == math.MaxInt32 {
		return it
	}
	return it + 1
}

// chunk is the element count of one grid block for dense updates.
const chunk = 4096

func blocks(n int) int {
	return (n + chunk - 1) / chunk
}

func span(b, n int) (int, int) {
	lo := b * chunk
	return lo, min(lo+chunk, n)
}
