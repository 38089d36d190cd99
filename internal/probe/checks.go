// Package probe exercises a device runtime end to end: a set of
// conformance checks over the pool, stream and kernels, and a small ragged
// training loop.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/kernels"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/optim"
	"github.com/samcharles93/strata/internal/verify"
)

// Check is one named conformance check. Each runs on its own runtime so a
// fatal error in one cannot poison the others.
type Check struct {
	Name string
	Run  func(ctx context.Context, rt *device.Runtime) error
	// Poisons marks checks that leave the runtime in a fatal state on
	// purpose; their Close error is expected.
	Poisons bool
}

func Checks() []Check {
	return []Check{
		{Name: "pool_reuse", Run: checkPoolReuse},
		{Name: "buffer_roundtrip", Run: checkBufferRoundtrip},
		{Name: "stream_order", Run: checkStreamOrder},
		{Name: "fatal_sticky", Run: checkFatalSticky, Poisons: true},
		{Name: "max_pool", Run: checkMaxPool},
		{Name: "cross_entropy", Run: checkCrossEntropy},
		{Name: "softmax_loss", Run: checkSoftMaxLoss},
		{Name: "sparse_adam", Run: checkSparseAdam},
		{Name: "linear_reference", Run: checkLinearReference},
	}
}

// Options configures Run.
type Options struct {
	Device device.Config
	// TrainSteps is the number of training steps run after the checks.
	// Zero skips training.
	TrainSteps int
	Batch      int
	Model      ModelConfig
}

// Run executes every check and the optional training loop.
func Run(ctx context.Context, opts Options) (*Report, error) {
	log := logger.FromContext(ctx)
	r := &Report{Started: time.Now(), Config: opts.Device}
	for _, c := range Checks() {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		res := runCheck(ctx, opts.Device, c)
		if res.Passed {
			log.Debug("check passed", "check", c.Name, "elapsed", res.Elapsed)
		} else {
			log.Warn("check failed", "check", c.Name, "error", res.Error)
		}
		r.add(res)
	}
	if opts.TrainSteps <= 0 {
		return r, nil
	}

	rt, err := device.Init(ctx, opts.Device)
	if err != nil {
		return r, fmt.Errorf("init device: %w", err)
	}
	defer func() { _ = rt.Close() }()
	steps, err := Train(ctx, rt, opts.Model, opts.TrainSteps, opts.Batch, nil)
	r.Training = steps
	stats := rt.Pool().Stats()
	r.Pool = &stats
	if err != nil {
		return r, fmt.Errorf("training: %w", err)
	}
	return r, nil
}

// Train runs steps training steps of batch samples each. onStep, when set,
// is called after every step.
func Train(ctx context.Context, rt *device.Runtime, cfg ModelConfig, steps, batch int, onStep func(StepResult)) ([]StepResult, error) {
	if batch <= 0 {
		batch = 16
	}
	m, err := NewModel(rt, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Release() }()
	rng := newRand(cfg.Seed)
	out := make([]StepResult, 0, steps)
	for range steps {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := m.Step(Samples(rng, cfg, batch, 6))
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if onStep != nil {
			onStep(res)
		}
	}
	return out, nil
}

func runCheck(ctx context.Context, cfg device.Config, c Check) (res CheckResult) {
	res.Name = c.Name
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		if rec := recover(); rec != nil {
			res.Passed, res.Error = false, fmt.Sprintf("panic: %v", rec)
		}
	}()
	rt, err := device.Init(ctx, cfg)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	err = c.Run(ctx, rt)
	if cerr := rt.Close(); err == nil && cerr != nil && !c.Poisons {
		err = cerr
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = true
	return res
}

// holder releases buffers created during a check.
type holder []interface{ Release() error }

func (h *holder) nums(rt *device.Runtime, vals ...float32) (device.Ptr, error) {
	b, err := device.FromHost(rt, vals)
	if err != nil {
		return 0, err
	}
	*h = append(*h, b)
	return b.Ptr(), nil
}

func (h *holder) zeros(rt *device.Runtime, n int) (device.Ptr, error) {
	b, err := device.Zeros[float32](rt, n)
	if err != nil {
		return 0, err
	}
	*h = append(*h, b)
	return b.Ptr(), nil
}

func (h holder) release() {
	for _, b := range h {
		_ = b.Release()
	}
}

func checkPoolReuse(_ context.Context, rt *device.Runtime) error {
	p, err := rt.Malloc(1000)
	if err != nil {
		return err
	}
	if err := rt.Free(p); err != nil {
		return err
	}
	q, err := rt.Malloc(1000)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Free(q) }()
	if p != q {
		return fmt.Errorf("freed block %s not reused, got %s", p, q)
	}
	if s := rt.Pool().Stats(); s.Hits != 1 || s.Misses != 1 {
		return fmt.Errorf("pool stats hits=%d misses=%d, want 1/1", s.Hits, s.Misses)
	}
	return nil
}

func checkBufferRoundtrip(_ context.Context, rt *device.Runtime) error {
	host := []float32{1.5, -2, 3.25}
	b, err := device.FromHost(rt, host)
	if err != nil {
		return err
	}
	defer func() { _ = b.Release() }()
	if err := verify.Verify(rt, host, b.Ptr(), "roundtrip"); err != nil {
		return err
	}
	empty, err := device.FromHost(rt, []float32{})
	if err != nil {
		return err
	}
	defer func() { _ = empty.Release() }()
	got, err := empty.ToHost()
	if err != nil {
		return err
	}
	if len(got) != 0 {
		return fmt.Errorf("empty buffer returned %d values", len(got))
	}
	if _, err := device.NewBuffer[float32](rt).ToHost(); !errors.Is(err, device.ErrNotInitialized) {
		return fmt.Errorf("uninitialised ToHost returned %v", err)
	}
	return nil
}

func checkStreamOrder(_ context.Context, rt *device.Runtime) error {
	var h holder
	defer h.release()
	p, err := h.zeros(rt, 4)
	if err != nil {
		return err
	}
	ops := kernels.New(rt)
	// memset then two scalings, all asynchronous
	if err := device.Memset(rt, p, 4, 1); err != nil {
		return err
	}
	for _, f := range []float32{2, 3} {
		if err := ops.ScaledForward([]device.Ptr{p}, []int{4}, []float32{f}, []device.Ptr{p}); err != nil {
			return err
		}
	}
	return verify.Verify(rt, []float32{6, 6, 6, 6}, p, "ordered")
}

func checkFatalSticky(_ context.Context, rt *device.Runtime) error {
	if err := rt.Launch("boom", func() { panic("injected fault") }); err != nil {
		return err
	}
	first := rt.Synchronize()
	if !device.IsFatal(first) {
		return fmt.Errorf("first sync returned %v, want fatal", first)
	}
	if second := rt.Synchronize(); !device.IsFatal(second) {
		return fmt.Errorf("second sync returned %v, want fatal", second)
	}
	return nil
}

func checkMaxPool(_ context.Context, rt *device.Runtime) error {
	var h holder
	defer h.release()
	ins := make([]device.Ptr, 3)
	for i, v := range []float32{1, 5, 3} {
		p, err := h.nums(rt, v)
		if err != nil {
			return err
		}
		ins[i] = p
	}
	out, err := h.zeros(rt, 1)
	if err != nil {
		return err
	}
	hits, err := device.Zeros[int32](rt, 1)
	if err != nil {
		return err
	}
	h = append(h, hits)
	ops := kernels.New(rt)
	if err := ops.PoolForward(kernels.Max, [][]device.Ptr{ins}, 1, []device.Ptr{out}, hits.Ptr()); err != nil {
		return err
	}
	if err := verify.Verify(rt, []float32{5}, out, "max"); err != nil {
		return err
	}
	if err := verify.Verify(rt, []int32{1}, hits.Ptr(), "hit"); err != nil {
		return err
	}
	grads := make([]device.Ptr, 3)
	for i := range grads {
		if grads[i], err = h.zeros(rt, 1); err != nil {
			return err
		}
	}
	g, err := h.nums(rt, 0.5)
	if err != nil {
		return err
	}
	if err := ops.PoolBackward([]device.Ptr{g}, [][]device.Ptr{grads}, hits.Ptr(), 1); err != nil {
		return err
	}
	for i, want := range []float32{0, 0.5, 0} {
		if err := verify.Verify(rt, []float32{want}, grads[i], fmt.Sprintf("input grad %d", i)); err != nil {
			return err
		}
	}
	return nil
}

func checkCrossEntropy(_ context.Context, rt *device.Runtime) error {
	var h holder
	defer h.release()
	third := float32(1) / 3
	probs, err := h.nums(rt, third, third, third)
	if err != nil {
		return err
	}
	grad, err := h.zeros(rt, 3)
	if err != nil {
		return err
	}
	loss, err := kernels.New(rt).CrossEntropyLoss([]device.Ptr{probs}, []int{0}, 1, []device.Ptr{grad})
	if err != nil {
		return err
	}
	if math.Abs(float64(loss)-math.Log(3)) > verify.Tolerance {
		return fmt.Errorf("loss %v, want ln 3", loss)
	}
	return verify.Verify(rt, []float32{-3, 0, 0}, grad, "ce grad")
}

func checkSoftMaxLoss(_ context.Context, rt *device.Runtime) error {
	var h holder
	defer h.release()
	logits, err := h.nums(rt, 0, 0, 0)
	if err != nil {
		return err
	}
	grad, err := h.zeros(rt, 3)
	if err != nil {
		return err
	}
	loss, _, err := kernels.New(rt).SoftMaxLoss([]device.Ptr{logits}, 3, []int{0}, 1, []device.Ptr{grad})
	if err != nil {
		return err
	}
	if math.Abs(float64(loss)-math.Log(3)) > verify.Tolerance {
		return fmt.Errorf("loss %v, want ln 3", loss)
	}
	third := float32(1) / 3
	return verify.Verify(rt, []float32{third - 1, third, third}, grad, "softmax grad")
}

func checkSparseAdam(_ context.Context, rt *device.Runtime) error {
	var h holder
	defer h.release()
	var err error
	alloc := func(vals ...float32) device.Ptr {
		p, e := h.nums(rt, vals...)
		err = errors.Join(err, e)
		return p
	}
	p := optim.Sparse{
		Val: alloc(1, 1, 2, 2), Grad: alloc(0.5, 0.5, 0.5, 0.5),
		Mean: alloc(0, 0, 0, 0), Square: alloc(0, 0, 0, 0),
		Rows: 2, Cols: 2,
	}
	if err != nil {
		return err
	}
	touched, err := device.FromHost(rt, []bool{true, false})
	if err != nil {
		return err
	}
	iters, err := device.Zeros[int32](rt, 2)
	if err != nil {
		return err
	}
	h = append(h, touched, iters)
	p.Touched, p.Iters = touched.Ptr(), iters.Ptr()

	hyper := optim.DefaultAdam()
	if err := optim.UpdateAdamSparse(rt, p, hyper); err != nil {
		return err
	}
	// first step from zero moments moves by alpha times the gradient sign
	want := 1 - hyper.Alpha
	if err := verify.Verify(rt, []float32{want, want, 2, 2}, p.Val, "sparse values"); err != nil {
		return err
	}
	return verify.Verify(rt, []int32{1, 0}, p.Iters, "row counters")
}
