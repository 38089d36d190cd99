// Package kernels holds the batched forward/backward primitives. Every
// call takes a ragged batch: parallel per-item pointer and dimension lists
// whose lengths must agree. Backward calls add into their gradient targets.
//
// Matrices are column-major: an r x c value keeps (i, j) at j*r + i.
package kernels

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

// ErrInvalidBatch reports a batch description that breaks the count or
// shape invariants. Nothing has been enqueued when it is returned.
var ErrInvalidBatch = errors.New("invalid batch")

// Ops launches kernels on a runtime's stream.
type Ops struct {
	rt  *device.Runtime
	log logger.Logger
}

func New(rt *device.Runtime) *Ops {
	return &Ops{rt: rt, log: rt.Logger().With("component", "kernels")}
}

func (o *Ops) Runtime() *device.Runtime {
	return o.rt
}

// validator accumulates the first shape violation for an op.
type validator struct {
	op  string
	n   int
	err error
}

func validate(op string, count int) *validator {
	return &validator{op: op, n: count}
}

func (v *validator) fail(format string, args ...any) *validator {
	if v.err == nil {
		v.err = fmt.Errorf("%s: %w: %s", v.op, ErrInvalidBatch, fmt.Sprintf(format, args...))
	}
	return v
}

func (v *validator) count(name string, got int) *validator {
	if got != v.n {
		v.fail("%s has %d entries, batch has %d", name, got, v.n)
	}
	return v
}

func (v *validator) ptrs(name string, ps []device.Ptr) *validator {
	v.count(name, len(ps))
	for i, p := range ps {
		if p == 0 {
			return v.fail("%s[%d] is nil", name, i)
		}
	}
	return v
}

func (v *validator) dims(name string, ds []int) *validator {
	v.count(name, len(ds))
	for i, d := range ds {
		if d < 0 {
			return v.fail("%s[%d]=%d is negative", name, i, d)
		}
	}
	return v
}

func (v *validator) ragged(name string, ins [][]device.Ptr) *validator {
	v.count(name, len(ins))
	for i, list := range ins {
		for j, p := range list {
			if p == 0 {
				return v.fail("%s[%d][%d] is nil", name, i, j)
			}
		}
	}
	return v
}

func (v *validator) ptr(name string, p device.Ptr) *validator {
	if p == 0 {
		v.fail("%s is nil", name)
	}
	return v
}

func (v *validator) positive(name string, x int) *validator {
	if x <= 0 {
		v.fail("%s=%d must be positive", name, x)
	}
	return v
}

func (v *validator) check(ok bool, format string, args ...any) *validator {
	if !ok {
		v.fail(format, args...)
	}
	return v
}

func (v *validator) done() error {
	return v.err
}

// launch collects the pointer and shape tables staged for one kernel and
// frees them after the kernel has run.
type launch struct {
	o      *Ops
	name   string
	staged []device.Ptr
	err    error
}

func (o *Ops) begin(name string) *launch {
	return &launch{o: o, name: name}
}

// table is a host list staged into device memory.
type table[T device.Elem] struct {
	p device.Ptr
	n int
}

func (t table[T]) load(rt *device.Runtime) []T {
	return device.View[T](rt, t.p, t.n)
}

func stage[T device.Elem](l *launch, vals []T) table[T] {
	if l.err != nil {
		return table[T]{}
	}
	p, err := device.Stage(l.o.rt, vals)
	if err != nil {
		l.err = err
		return table[T]{}
	}
	l.staged = append(l.staged, p)
	return table[T]{p: p, n: len(vals)}
}

func (l *launch) ptrs(ps []device.Ptr) table[device.Ptr] {
	return stage(l, ps)
}

func (l *launch) ints(vals []int) table[int32] {
	out := make([]int32, len(vals))
	for i, v := range vals {
		out[i] = int32(v)
	}
	return stage(l, out)
}

// flat stages a ragged pointer list as one table plus per-item offsets.
func (l *launch) flat(ins [][]device.Ptr) (table[device.Ptr], table[int32]) {
	var all []device.Ptr
	offsets := make([]int, len(ins)+1)
	for i, list := range ins {
		all = append(all, list...)
		offsets[i+1] = len(all)
	}
	return l.ptrs(all), l.ints(offsets)
}

// scratch reserves n numeric elements of pool memory for the launch.
func (l *launch) scratch(n int) device.Ptr {
	if l.err != nil {
		return 0
	}
	p, err := l.o.rt.Malloc(n * device.ElemSize)
	if err != nil {
		l.err = err
		return 0
	}
	l.staged = append(l.staged, p)
	return p
}

func (l *launch) run(fn func()) error {
	if l.err != nil {
		l.release()
		return l.err
	}
	l.o.log.Debug("launch", "kernel", l.name, "tables", len(l.staged))
	err := l.o.rt.Launch(l.name, fn)
	if rerr := l.release(); err == nil {
		err = rerr
	}
	return err
}

// release frees the staged blocks behind the kernel. The frees still run
// if the stream faults first.
func (l *launch) release() error {
	var err error
	for _, p := range l.staged {
		if e := device.FreeAsync(l.o.rt, p); e != nil && err == nil {
			err = e
		}
	}
	l.staged = nil
	return err
}

func (o *Ops) f32(p device.Ptr, n int) []float32 {
	return o.rt.Float32s(p, n)
}

// atomicAdd adds v to *addr with a compare-and-swap loop. Backward kernels
// use it where two batch items may share a gradient target.
func atomicAdd(addr *float32, v float32) {
	bits := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(bits)
		next := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(bits, old, next) {
			return
		}
	}
}

// addInto accumulates src into dst atomically element by element.
func addInto(dst, src []float32) {
	for i, v := range src {
		atomicAdd(&dst[i], v)
	}
}

func maxOf(ds []int) int {
	m := 0
	for _, d := range ds {
		m = max(m, d)
	}
	return m
}

func sumOf(ds []int) int {
	s := 0
	for _, d := range ds {
		s += d
	}
	return s
}
