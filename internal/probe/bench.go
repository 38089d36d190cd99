package probe

import (
	"context"
	"errors"
	"time"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/kernels"
	"github.com/samcharles93/strata/internal/optim"
)

// BenchConfig sizes the ragged batches used by Bench.
type BenchConfig struct {
	Batch  int
	Dim    int
	Vocab  int
	MaxLen int
	Iters  int
	Seed   uint64
}

func DefaultBenchConfig() BenchConfig {
	return BenchConfig{Batch: 256, Dim: 128, Vocab: 4096, MaxLen: 32, Iters: 50, Seed: 1}
}

// Timing is the measured cost of one kernel.
type Timing struct {
	Kernel   string        `json:"kernel"`
	Iters    int           `json:"iters"`
	Total    time.Duration `json:"total_ns"`
	PerIter  time.Duration `json:"per_iter_ns"`
	ItemsSec float64       `json:"items_per_sec"`
}

type benchCase struct {
	name string
	run  func() error
}

// benchState holds the device buffers shared by every bench case.
type benchState struct {
	cfg  BenchConfig
	ops  *kernels.Ops
	h    holder
	ids  []int
	bags [][]device.Ptr
	vecs []device.Ptr

	vocab, vocabGrad, w, wGrad device.Ptr
	pooled, pooledGrad         []device.Ptr
	logits, logitGrad          []device.Ptr
	touched, iters             device.Ptr
	mean, square               device.Ptr
	gold                       []int
}

const benchClasses = 16

func newBenchState(rt *device.Runtime, cfg BenchConfig) (*benchState, error) {
	s := &benchState{cfg: cfg, ops: kernels.New(rt)}
	rng := newRand(cfg.Seed)
	samples := Samples(rng, ModelConfig{Vocab: cfg.Vocab, Classes: benchClasses}, cfg.Batch, cfg.MaxLen)
	for _, smp := range samples {
		s.ids = append(s.ids, smp.IDs...)
		s.gold = append(s.gold, smp.Label)
	}
	var err error
	zeros := func(n int) device.Ptr {
		p, e := s.h.zeros(rt, n)
		err = errors.Join(err, e)
		return p
	}
	dim, n := cfg.Dim, cfg.Batch
	s.vocab, s.vocabGrad = zeros(cfg.Vocab*dim), zeros(cfg.Vocab*dim)
	s.mean, s.square = zeros(cfg.Vocab*dim), zeros(cfg.Vocab*dim)
	s.w, s.wGrad = zeros(benchClasses*dim), zeros(benchClasses*dim)
	s.vecs = slots(zeros(len(s.ids)*dim), len(s.ids), dim)
	s.pooled, s.pooledGrad = slots(zeros(n*dim), n, dim), slots(zeros(n*dim), n, dim)
	s.logits, s.logitGrad = slots(zeros(n*benchClasses), n, benchClasses), slots(zeros(n*benchClasses), n, benchClasses)
	if err != nil {
		s.h.release()
		return nil, err
	}
	touched, err := device.Zeros[bool](rt, cfg.Vocab)
	if err != nil {
		s.h.release()
		return nil, err
	}
	s.h = append(s.h, touched)
	iters, err := device.Zeros[int32](rt, cfg.Vocab)
	if err != nil {
		s.h.release()
		return nil, err
	}
	s.h = append(s.h, iters)
	s.touched, s.iters = touched.Ptr(), iters.Ptr()
	uniform := make([]float32, cfg.Vocab*dim)
	for i := range uniform {
		uniform[i] = rng.Float32() - 0.5
	}
	if err := device.CopyToDevice(rt, s.vocab, uniform); err != nil {
		s.h.release()
		return nil, err
	}

	off := 0
	for _, smp := range samples {
		s.bags = append(s.bags, s.vecs[off:off+len(smp.IDs)])
		off += len(smp.IDs)
	}
	return s, nil
}

func (s *benchState) cases(rt *device.Runtime) []benchCase {
	dim, n := s.cfg.Dim, s.cfg.Batch
	ones := make([]int, n)
	for i := range ones {
		ones[i] = 1
	}
	all := make([]bool, len(s.ids))
	for i := range all {
		all[i] = true
	}
	return []benchCase{
		{"lookup_forward", func() error { return s.ops.LookupForward(s.ids, s.vocab, dim, s.vecs) }},
		{"sum_pool_forward", func() error { return s.ops.SumPoolForward(kernels.Avg, s.bags, dim, s.pooled) }},
		{"linear_forward", func() error {
			return s.ops.LinearForward(s.pooled, ones, dim, benchClasses, s.w, 0, s.logits)
		}},
		{"softmax_loss", func() error {
			_, _, err := s.ops.SoftMaxLoss(s.logits, benchClasses, s.gold, n, s.logitGrad)
			return err
		}},
		{"linear_backward", func() error {
			return s.ops.LinearBackward(s.logitGrad, ones, dim, benchClasses, s.w, s.pooled, 0, s.pooledGrad, s.wGrad)
		}},
		{"lookup_backward", func() error {
			return s.ops.LookupBackward(s.ids, all, s.vecs, dim, s.vocabGrad, s.touched)
		}},
		{"adam_sparse", func() error {
			return optim.UpdateAdamSparse(rt, optim.Sparse{
				Val: s.vocab, Grad: s.vocabGrad, Mean: s.mean, Square: s.square,
				Rows: s.cfg.Vocab, Cols: dim, Touched: s.touched, Iters: s.iters,
			}, optim.DefaultAdam())
		}},
	}
}

// BenchKernels returns the names of the kernels Bench times, in order.
func BenchKernels() []string {
	return []string{"lookup_forward", "sum_pool_forward", "linear_forward", "softmax_loss",
		"linear_backward", "lookup_backward", "adam_sparse"}
}

// Bench times each kernel over cfg.Iters launches, synchronising after
// every launch. onIter, when set, is called after each launch.
func Bench(ctx context.Context, rt *device.Runtime, cfg BenchConfig, onIter func(kernel string)) ([]Timing, error) {
	if cfg.Batch <= 0 || cfg.Dim <= 0 || cfg.Vocab < benchClasses || cfg.Iters <= 0 {
		return nil, errors.New("bench: batch, dim and iters must be positive and vocab at least 16")
	}
	s, err := newBenchState(rt, cfg)
	if err != nil {
		return nil, err
	}
	defer s.h.release()

	var out []Timing
	for _, c := range s.cases(rt) {
		var total time.Duration
		for range cfg.Iters {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			start := time.Now()
			if err := c.run(); err != nil {
				return out, err
			}
			if err := rt.Synchronize(); err != nil {
				return out, err
			}
			total += time.Since(start)
			if onIter != nil {
				onIter(c.name)
			}
		}
		t := Timing{Kernel: c.name, Iters: cfg.Iters, Total: total, PerIter: total / time.Duration(cfg.Iters)}
		if t.PerIter > 0 {
			t.ItemsSec = float64(cfg.Batch) / t.PerIter.Seconds()
		}
		out = append(out, t)
	}
	return out, nil
}
