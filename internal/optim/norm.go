package optim

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/strata/internal/device"
)

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// readScalar runs fn on the stream with a one-element device slot and
// returns the slot's value once the launch has finished.
func readScalar(rt *device.Runtime, op string, fn func(out []float32)) (float32, error) {
	s := device.NewScalar[float32](rt)
	if err := s.Init(); err != nil {
		return 0, err
	}
	defer func() { _ = s.Release() }()
	p := s.Ptr()
	if err := rt.Launch(op, func() { fn(rt.Float32s(p, 1)) }); err != nil {
		return 0, err
	}
	if err := s.CopyFromDeviceToHost(); err != nil {
		return 0, err
	}
	return s.V, nil
}

// SquareSum returns the sum of squares of n elements at v.
func SquareSum(rt *device.Runtime, v device.Ptr, n int) (float32, error) {
	if v == 0 || n < 0 {
		return 0, invalid("square_sum", "bad vector %s of %d elements", v, n)
	}
	return readScalar(rt, "square_sum", func(out []float32) {
		x := vector(rt.Float32s(v, n))
		out[0] = blas32.Dot(x, x)
	})
}

// SquareSumTouched is SquareSum over the touched rows of an entry-major
// rows x cols table.
func SquareSumTouched(rt *device.Runtime, v, touched device.Ptr, rows, cols int) (float32, error) {
	if v == 0 || touched == 0 || rows < 0 || cols < 0 {
		return 0, invalid("square_sum_touched", "bad table %s of %dx%d", v, rows, cols)
	}
	return readScalar(rt, "square_sum_touched", func(out []float32) {
		vals, mask := rt.Float32s(v, rows*cols), rt.Bools(touched, rows)
		var sum float32
		for r, ok := range mask {
			if ok {
				x := vector(vals[r*cols : (r+1)*cols])
				sum += blas32.Dot(x, x)
			}
		}
		out[0] = sum
	})
}

// Rescale multiplies n elements at v by scale, as used for gradient
// clipping.
func Rescale(rt *device.Runtime, v device.Ptr, n int, scale float32) error {
	if v == 0 || n < 0 {
		return invalid("rescale", "bad vector %s of %d elements", v, n)
	}
	return rt.Launch("rescale", func() {
		blas32.Scal(scale, vector(rt.Float32s(v, n)))
	})
}
