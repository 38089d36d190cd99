package probe

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/kernels"
	"github.com/samcharles93/strata/internal/optim"
)

// ModelConfig describes the bag-of-embeddings classifier trained by the
// probe: each sample is a variable-length list of token ids, averaged into
// one vector and mapped to class logits by a linear layer.
type ModelConfig struct {
	Vocab     int
	Dim       int
	Classes   int
	Optimizer string // adam, adamw or adagrad
	Hyper     optim.Hyper
	// Clip rescales gradients whose global norm exceeds it. Zero disables.
	Clip float32
	Seed uint64
}

func DefaultModelConfig() ModelConfig {
	h := optim.DefaultAdam()
	h.Alpha = 0.05
	return ModelConfig{Vocab: 64, Dim: 16, Classes: 4, Optimizer: "adam", Hyper: h, Clip: 5, Seed: 1}
}

func (c ModelConfig) validate() error {
	switch {
	case c.Vocab <= 0 || c.Dim <= 0 || c.Classes <= 0:
		return fmt.Errorf("model shape %d/%d/%d must be positive", c.Vocab, c.Dim, c.Classes)
	case c.Vocab < c.Classes:
		return fmt.Errorf("vocab %d smaller than class count %d", c.Vocab, c.Classes)
	}
	switch c.Optimizer {
	case "adam", "adamw", "adagrad":
		return nil
	}
	return fmt.Errorf("unknown optimizer %q", c.Optimizer)
}

// Sample is one training item.
type Sample struct {
	IDs   []int
	Label int
}

// StepResult summarises one training step.
type StepResult struct {
	Step     int     `json:"step"`
	Loss     float32 `json:"loss"`
	Accuracy float32 `json:"accuracy"`
	GradNorm float32 `json:"grad_norm"`
	Touched  int     `json:"touched_rows"`
}

type param struct {
	val, grad, mean, square *device.NumberBuffer
	rows, cols              int
}

func newParam(rt *device.Runtime, rows, cols int, init []float32) (*param, error) {
	p := &param{rows: rows, cols: cols}
	var err error
	if p.val, err = device.FromHost(rt, init); err != nil {
		return nil, err
	}
	for _, b := range []**device.NumberBuffer{&p.grad, &p.mean, &p.square} {
		if *b, err = device.Zeros[float32](rt, rows*cols); err != nil {
			_ = p.release()
			return nil, err
		}
	}
	return p, nil
}

func (p *param) dense(isBias bool) optim.Dense {
	return optim.Dense{
		Val: p.val.Ptr(), Grad: p.grad.Ptr(), Mean: p.mean.Ptr(), Square: p.square.Ptr(),
		Rows: p.rows, Cols: p.cols, IsBias: isBias,
	}
}

func (p *param) release() error {
	var errs []error
	for _, b := range []*device.NumberBuffer{p.val, p.grad, p.mean, p.square} {
		if b != nil {
			errs = append(errs, b.Release())
		}
	}
	return errors.Join(errs...)
}

// Model holds the classifier parameters in device memory.
type Model struct {
	cfg ModelConfig
	rt  *device.Runtime
	ops *kernels.Ops

	emb     *param // Vocab entries of Dim, entry-major
	touched *device.BoolBuffer
	iters   *device.IntBuffer
	w       *param // Classes x Dim
	b       *param

	steps int
}

func NewModel(rt *device.Runtime, cfg ModelConfig) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := newRand(cfg.Seed + 1)
	uniform := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32()*2 - 1) * scale
		}
		return out
	}
	m := &Model{cfg: cfg, rt: rt, ops: kernels.New(rt)}
	var err error
	fail := func(err error) (*Model, error) {
		_ = m.Release()
		return nil, err
	}
	if m.emb, err = newParam(rt, cfg.Vocab, cfg.Dim, uniform(cfg.Vocab*cfg.Dim, 0.5)); err != nil {
		return fail(err)
	}
	scale := float32(math.Sqrt(6 / float64(cfg.Dim+cfg.Classes)))
	if m.w, err = newParam(rt, cfg.Classes, cfg.Dim, uniform(cfg.Classes*cfg.Dim, scale)); err != nil {
		return fail(err)
	}
	if m.b, err = newParam(rt, cfg.Classes, 1, make([]float32, cfg.Classes)); err != nil {
		return fail(err)
	}
	if m.touched, err = device.Zeros[bool](rt, cfg.Vocab); err != nil {
		return fail(err)
	}
	if m.iters, err = device.Zeros[int32](rt, cfg.Vocab); err != nil {
		return fail(err)
	}
	return m, nil
}

// Release frees every parameter buffer. The model is unusable afterwards.
func (m *Model) Release() error {
	var errs []error
	for _, p := range []*param{m.emb, m.w, m.b} {
		if p != nil {
			errs = append(errs, p.release())
		}
	}
	if m.touched != nil {
		errs = append(errs, m.touched.Release())
	}
	if m.iters != nil {
		errs = append(errs, m.iters.Release())
	}
	return errors.Join(errs...)
}

func (m *Model) Steps() int { return m.steps }

// arena tracks the per-step activation buffers.
type arena struct {
	rt   *device.Runtime
	bufs []*device.NumberBuffer
}

func (a *arena) zeros(n int) (device.Ptr, error) {
	b, err := device.Zeros[float32](a.rt, n)
	if err != nil {
		return 0, err
	}
	a.bufs = append(a.bufs, b)
	return b.Ptr(), nil
}

func (a *arena) release() error {
	var errs []error
	for _, b := range a.bufs {
		errs = append(errs, b.Release())
	}
	return errors.Join(errs...)
}

// slots splits one block into n consecutive dim-wide vectors.
func slots(base device.Ptr, n, dim int) []device.Ptr {
	out := make([]device.Ptr, n)
	for i := range out {
		out[i] = base.Add(i * dim)
	}
	return out
}

// Step runs forward, backward and one optimizer update over batch.
func (m *Model) Step(batch []Sample) (StepResult, error) {
	res := StepResult{Step: m.steps + 1}
	if len(batch) == 0 {
		return res, errors.New("empty batch")
	}
	cfg, ops := m.cfg, m.ops
	n, dim, classes := len(batch), cfg.Dim, cfg.Classes

	var ids []int
	gold := make([]int, n)
	for i, s := range batch {
		if len(s.IDs) == 0 {
			return res, fmt.Errorf("sample %d has no ids", i)
		}
		if s.Label < 0 || s.Label >= classes {
			return res, fmt.Errorf("sample %d label %d outside %d classes", i, s.Label, classes)
		}
		for _, id := range s.IDs {
			if id < 0 || id >= cfg.Vocab {
				return res, fmt.Errorf("sample %d id %d outside vocab %d", i, id, cfg.Vocab)
			}
		}
		ids = append(ids, s.IDs...)
		gold[i] = s.Label
	}

	a := &arena{rt: m.rt}
	defer func() { _ = a.release() }()
	var bufs [6]device.Ptr
	sizes := [6]int{len(ids) * dim, len(ids) * dim, n * dim, n * dim, n * classes, n * classes}
	for i, sz := range sizes {
		p, err := a.zeros(sz)
		if err != nil {
			return res, err
		}
		bufs[i] = p
	}
	vecs, vecGrads := slots(bufs[0], len(ids), dim), slots(bufs[1], len(ids), dim)
	pooled, pooledGrads := slots(bufs[2], n, dim), slots(bufs[3], n, dim)
	logits, logitGrads := slots(bufs[4], n, classes), slots(bufs[5], n, classes)

	bags := make([][]device.Ptr, n)
	bagGrads := make([][]device.Ptr, n)
	ones := make([]int, n)
	off := 0
	for i, s := range batch {
		bags[i] = vecs[off : off+len(s.IDs)]
		bagGrads[i] = vecGrads[off : off+len(s.IDs)]
		off += len(s.IDs)
		ones[i] = 1
	}
	backward := make([]bool, len(ids))
	for i := range backward {
		backward[i] = true
	}

	if err := ops.LookupForward(ids, m.emb.val.Ptr(), dim, vecs); err != nil {
		return res, err
	}
	if err := ops.SumPoolForward(kernels.Avg, bags, dim, pooled); err != nil {
		return res, err
	}
	if err := ops.LinearForward(pooled, ones, dim, classes, m.w.val.Ptr(), m.b.val.Ptr(), logits); err != nil {
		return res, err
	}
	loss, preds, err := ops.SoftMaxLoss(logits, classes, gold, n, logitGrads)
	if err != nil {
		return res, err
	}
	if err := ops.LinearBackward(logitGrads, ones, dim, classes, m.w.val.Ptr(), pooled,
		m.b.grad.Ptr(), pooledGrads, m.w.grad.Ptr()); err != nil {
		return res, err
	}
	if err := ops.SumPoolBackward(kernels.Avg, pooledGrads, bagGrads, dim); err != nil {
		return res, err
	}
	if err := ops.LookupBackward(ids, backward, vecGrads, dim, m.emb.grad.Ptr(), m.touched.Ptr()); err != nil {
		return res, err
	}

	norm, err := m.clip()
	if err != nil {
		return res, err
	}
	if err := m.update(); err != nil {
		return res, err
	}
	touched, err := m.touched.ToHost()
	if err != nil {
		return res, err
	}
	if err := m.zeroGrads(); err != nil {
		return res, err
	}

	m.steps++
	correct := 0
	for i, p := range preds {
		if p == gold[i] {
			correct++
		}
	}
	for _, t := range touched {
		if t {
			res.Touched++
		}
	}
	res.Loss = loss
	res.Accuracy = float32(correct) / float32(n)
	res.GradNorm = norm
	return res, nil
}

// clip returns the global gradient norm and rescales every gradient when
// it exceeds the configured bound.
func (m *Model) clip() (float32, error) {
	rt := m.rt
	sq, err := optim.SquareSumTouched(rt, m.emb.grad.Ptr(), m.touched.Ptr(), m.emb.rows, m.emb.cols)
	if err != nil {
		return 0, err
	}
	for _, p := range []*param{m.w, m.b} {
		s, err := optim.SquareSum(rt, p.grad.Ptr(), p.rows*p.cols)
		if err != nil {
			return 0, err
		}
		sq += s
	}
	norm := float32(math.Sqrt(float64(sq)))
	if m.cfg.Clip <= 0 || norm <= m.cfg.Clip {
		return norm, nil
	}
	scale := m.cfg.Clip / norm
	for _, p := range []*param{m.emb, m.w, m.b} {
		if err := optim.Rescale(rt, p.grad.Ptr(), p.rows*p.cols, scale); err != nil {
			return 0, err
		}
	}
	return norm, nil
}

func (m *Model) update() error {
	rt, h := m.rt, m.cfg.Hyper
	emb := optim.Sparse{
		Val: m.emb.val.Ptr(), Grad: m.emb.grad.Ptr(), Mean: m.emb.mean.Ptr(), Square: m.emb.square.Ptr(),
		Rows: m.emb.rows, Cols: m.emb.cols, Touched: m.touched.Ptr(), Iters: m.iters.Ptr(),
	}
	w, b := m.w.dense(false), m.b.dense(true)
	switch m.cfg.Optimizer {
	case "adamw":
		return errors.Join(
			optim.UpdateAdamWSparse(rt, emb, h),
			optim.UpdateAdamW(rt, w, m.steps, h),
			optim.UpdateAdamW(rt, b, m.steps, h),
		)
	case "adagrad":
		return errors.Join(
			optim.UpdateAdagradSparse(rt, emb, h),
			optim.UpdateAdagrad(rt, w, h),
			optim.UpdateAdagrad(rt, b, h),
		)
	}
	return errors.Join(
		optim.UpdateAdamSparse(rt, emb, h),
		optim.UpdateAdam(rt, w, m.steps, h),
		optim.UpdateAdam(rt, b, m.steps, h),
	)
}

func (m *Model) zeroGrads() error {
	rt := m.rt
	return errors.Join(
		device.Memset(rt, m.emb.grad.Ptr(), m.emb.rows*m.emb.cols, 0),
		device.Memset(rt, m.w.grad.Ptr(), m.w.rows*m.w.cols, 0),
		device.Memset(rt, m.b.grad.Ptr(), m.b.rows, 0),
		device.MemsetBool(rt, m.touched.Ptr(), m.emb.rows, false),
	)
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
}

// Samples draws n samples whose ids mostly come from the band of vocabulary
// assigned to their label, so the classes are learnable.
func Samples(rng *rand.Rand, cfg ModelConfig, n, maxLen int) []Sample {
	band := cfg.Vocab / cfg.Classes
	out := make([]Sample, n)
	for i := range out {
		label := rng.IntN(cfg.Classes)
		ids := make([]int, 1+rng.IntN(max(maxLen, 1)))
		for j := range ids {
			if rng.Float32() < 0.8 {
				ids[j] = label*band + rng.IntN(band)
			} else {
				ids[j] = rng.IntN(cfg.Vocab)
			}
		}
		out[i] = Sample{IDs: ids, Label: label}
	}
	return out
}
