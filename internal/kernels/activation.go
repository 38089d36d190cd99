package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/device"
)

// Activation selects the pointwise nonlinearity of ActivationForward.
type Activation int

const (
	Tanh Activation = iota
	Sigmoid
	Relu
	LeakyRelu
	Selu
	Identity
)

const (
	leakyAlpha = 0.1
	seluAlpha  = 1.6732632423543772
	seluLambda = 1.0507009873554805
)

func (a Activation) String() string {
	switch a {
	case Tanh:
		return "tanh"
	case Sigmoid:
		return "sigmoid"
	case Relu:
		return "relu"
	case LeakyRelu:
		return "leaky_relu"
	case Selu:
		return "selu"
	case Identity:
		return "identity"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

func (a Activation) valid() bool {
	return a >= Tanh && a <= Identity
}

func (a Activation) apply(x float32) float32 {
	switch a {
	case Tanh:
		return float32(math.Tanh(float64(x)))
	case Sigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	case Relu:
		return max(x, 0)
	case LeakyRelu:
		if x > 0 {
			return x
		}
		return leakyAlpha * x
	case Selu:
		if x > 0 {
			return seluLambda * x
		}
		return float32(seluLambda * seluAlpha * (math.Exp(float64(x)) - 1))
	default:
		return x
	}
}

// derive returns dy/dx in terms of the forward output y.
func (a Activation) derive(y float32) float32 {
	switch a {
	case Tanh:
		return 1 - y*y
	case Sigmoid:
		return (1 - y) * y
	case Relu:
		if y > 0 {
			return 1
		}
		return 0
	case LeakyRelu:
		if y > 0 {
			return 1
		}
		return leakyAlpha
	case Selu:
		if y > 0 {
			return seluLambda
		}
		return y + seluLambda*seluAlpha
	default:
		return 1
	}
}

// ActivationForward computes ys[i] = act(xs[i]) over dims[i] elements.
func (o *Ops) ActivationForward(act Activation, xs []device.Ptr, dims []int, ys []device.Ptr) error {
	n := len(xs)
	if err := validate("activation_forward", n).
		check(act.valid(), "unknown activation %d", int(act)).
		ptrs("xs", xs).dims("dims", dims).ptrs("ys", ys).
		done(); err != nil {
		return err
	}
	l := o.begin("activation_forward")
	xT, dT, yT := l.ptrs(xs), l.ints(dims), l.ptrs(ys)
	rt := o.rt
	return l.run(func() {
		x, d, y := xT.load(rt), dT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			in, out := o.f32(x[i], int(d[i])), o.f32(y[i], int(d[i]))
			for j, v := range in {
				out[j] = act.apply(v)
			}
		})
	})
}

// ActivationBackward adds grads[i] * act'(vals[i]) into inGrads[i], where
// vals holds the forward outputs.
func (o *Ops) ActivationBackward(act Activation, grads, vals []device.Ptr, dims []int, inGrads []device.Ptr) error {
	n := len(grads)
	if err := validate("activation_backward", n).
		check(act.valid(), "unknown activation %d", int(act)).
		ptrs("grads", grads).ptrs("vals", vals).dims("dims", dims).ptrs("in_grads", inGrads).
		done(); err != nil {
		return err
	}
	l := o.begin("activation_backward")
	gT, vT, dT, igT := l.ptrs(grads), l.ptrs(vals), l.ints(dims), l.ptrs(inGrads)
	rt := o.rt
	return l.run(func() {
		g, v, d, ig := gT.load(rt), vT.load(rt), dT.load(rt), igT.load(rt)
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			gi, yi, dst := o.f32(g[i], dim), o.f32(v[i], dim), o.f32(ig[i], dim)
			for j := range dim {
				atomicAdd(&dst[j], gi[j]*act.derive(yi[j]))
			}
		})
	})
}

func dropoutSpan(dims, offsets []int) int {
	span := 0
	for i := range dims {
		span = max(span, offsets[i]+dims[i])
	}
	return span
}

// DropoutForward applies inverted dropout: element j of item i is kept when
// mask[offsets[i]+j] >= p and scaled by 1/(1-p). Outside training it copies.
func (o *Ops) DropoutForward(xs []device.Ptr, dims, offsets []int, training bool, mask device.Ptr, p float32, ys []device.Ptr) error {
	return o.dropout("dropout_forward", xs, dims, offsets, training, mask, p, ys, false)
}

// DropoutBackward adds the masked and rescaled grads into inGrads.
func (o *Ops) DropoutBackward(grads []device.Ptr, dims, offsets []int, training bool, mask device.Ptr, p float32, inGrads []device.Ptr) error {
	return o.dropout("dropout_backward", grads, dims, offsets, training, mask, p, inGrads, true)
}

func (o *Ops) dropout(name string, src []device.Ptr, dims, offsets []int, training bool, mask device.Ptr, p float32, dst []device.Ptr, accumulate bool) error {
	n := len(src)
	v := validate(name, n).ptrs("src", src).dims("dims", dims).dims("offsets", offsets).ptrs("dst", dst).
		check(p >= 0 && p < 1, "drop factor %v outside [0, 1)", p)
	if training {
		v.ptr("mask", mask)
	}
	if err := v.done(); err != nil {
		return err
	}
	span := dropoutSpan(dims, offsets)
	scale := 1 / (1 - p)
	l := o.begin(name)
	sT, dT, oT, tT := l.ptrs(src), l.ints(dims), l.ints(offsets), l.ptrs(dst)
	rt := o.rt
	return l.run(func() {
		s, d, off, t := sT.load(rt), dT.load(rt), oT.load(rt), tT.load(rt)
		var m []float32
		if training {
			m = o.f32(mask, span)
		}
		rt.Grid(n, func(i int) {
			dim := int(d[i])
			in, out := o.f32(s[i], dim), o.f32(t[i], dim)
			for j, x := range in {
				if training {
					if m[int(off[i])+j] < p {
						x = 0
					} else {
						x *= scale
					}
				}
				if accumulate {
					atomicAdd(&out[j], x)
				} else {
					out[j] = x
				}
			}
		})
	})
}

// CalculateDropoutMask fills n mask elements with uniform values in [0, 1)
// drawn from the runtime's seeded generator.
func (o *Ops) CalculateDropoutMask(mask device.Ptr, n int) error {
	if err := validate("calculate_dropout_mask", 0).ptr("mask", mask).
		check(n >= 0, "negative length %d", n).done(); err != nil {
		return err
	}
	rt := o.rt
	return rt.Launch("calculate_dropout_mask", func() {
		rt.Uniform(o.f32(mask, n))
	})
}

// BucketForward writes the host constants values into every ys[i].
func (o *Ops) BucketForward(values []float32, ys []device.Ptr) error {
	n := len(ys)
	if err := validate("bucket_forward", n).ptrs("ys", ys).done(); err != nil {
		return err
	}
	dim := len(values)
	l := o.begin("bucket_forward")
	vT, yT := stage(l, values), l.ptrs(ys)
	rt := o.rt
	return l.run(func() {
		vals, y := vT.load(rt), yT.load(rt)
		rt.Grid(n, func(i int) {
			copy(o.f32(y[i], dim), vals)
		})
	})
}
