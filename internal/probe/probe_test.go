package probe

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func TestChecksPass(t *testing.T) {
	r, err := Run(testContext(), Options{Device: device.Config{Workers: 2, Seed: 3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range r.Checks {
		if !c.Passed {
			t.Errorf("check %s failed: %s", c.Name, c.Error)
		}
	}
	if r.Passed != len(Checks()) || !r.OK() {
		t.Fatalf("passed %d of %d", r.Passed, len(Checks()))
	}
	if r.Training != nil {
		t.Fatalf("training ran with zero steps")
	}
}

func TestReportJSON(t *testing.T) {
	r := &Report{}
	r.add(CheckResult{Name: "a", Passed: true})
	r.add(CheckResult{Name: "b", Error: "broken"})

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var back Report
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Passed != 1 || back.Failed != 1 || back.OK() {
		t.Fatalf("decoded %+v", back)
	}
	if !strings.Contains(buf.String(), `"error": "broken"`) {
		t.Fatalf("missing error field: %s", buf.String())
	}
}

func TestFailingCheckIsReported(t *testing.T) {
	c := Check{Name: "leaky", Run: func(_ context.Context, rt *device.Runtime) error {
		return rt.Launch("boom", func() { panic("fault") })
	}}
	res := runCheck(testContext(), device.Config{Workers: 1}, c)
	if res.Passed || res.Error == "" {
		t.Fatalf("check with a faulted stream passed: %+v", res)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	ctx := testContext()
	rt, err := device.Init(ctx, device.Config{Workers: 4, Seed: 11})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() { _ = rt.Close() }()

	cfg := DefaultModelConfig()
	var seen int
	steps, err := Train(ctx, rt, cfg, 60, 32, func(StepResult) { seen++ })
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if seen != 60 || len(steps) != 60 {
		t.Fatalf("got %d steps, %d callbacks", len(steps), seen)
	}
	mean := func(rs []StepResult) float32 {
		var s float32
		for _, r := range rs {
			s += r.Loss
		}
		return s / float32(len(rs))
	}
	first, last := mean(steps[:5]), mean(steps[len(steps)-5:])
	if last >= first {
		t.Fatalf("loss did not fall: first %.4f last %.4f", first, last)
	}
	for _, s := range steps {
		if s.Touched == 0 || s.Touched > cfg.Vocab {
			t.Fatalf("step %d touched %d rows", s.Step, s.Touched)
		}
	}
	if used := rt.Pool().Stats().InUseBlocks; used != 0 {
		t.Fatalf("%d blocks still in use after training", used)
	}
}

func TestTrainingOptimizers(t *testing.T) {
	ctx := testContext()
	for _, name := range []string{"adamw", "adagrad"} {
		rt, err := device.Init(ctx, device.Config{Workers: 2, Seed: 5})
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		cfg := DefaultModelConfig()
		cfg.Optimizer = name
		if name == "adagrad" {
			cfg.Hyper.Alpha = 0.1
		}
		steps, err := Train(ctx, rt, cfg, 5, 8, nil)
		_ = rt.Close()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(steps) != 5 {
			t.Fatalf("%s: %d steps", name, len(steps))
		}
	}
}

func TestStepRejectsBadSamples(t *testing.T) {
	ctx := testContext()
	rt, err := device.Init(ctx, device.Config{Workers: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() { _ = rt.Close() }()
	m, err := NewModel(rt, DefaultModelConfig())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	defer func() { _ = m.Release() }()

	for _, batch := range [][]Sample{
		nil,
		{{IDs: nil, Label: 0}},
		{{IDs: []int{1}, Label: 9}},
		{{IDs: []int{1000}, Label: 0}},
	} {
		if _, err := m.Step(batch); err == nil {
			t.Fatalf("batch %+v accepted", batch)
		}
	}
	if m.Steps() != 0 {
		t.Fatalf("rejected batches advanced the step count")
	}
	if _, err := NewModel(rt, ModelConfig{Vocab: 2, Dim: 2, Classes: 4, Optimizer: "adam"}); err == nil {
		t.Fatalf("vocab smaller than classes accepted")
	}
}

func TestBench(t *testing.T) {
	ctx := testContext()
	rt, err := device.Init(ctx, device.Config{Workers: 2})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() { _ = rt.Close() }()

	cfg := BenchConfig{Batch: 8, Dim: 4, Vocab: 32, MaxLen: 3, Iters: 2, Seed: 1}
	calls := map[string]int{}
	timings, err := Bench(ctx, rt, cfg, func(k string) { calls[k]++ })
	if err != nil {
		t.Fatalf("Bench: %v", err)
	}
	names := BenchKernels()
	if len(timings) != len(names) {
		t.Fatalf("got %d timings for %d kernels", len(timings), len(names))
	}
	for i, tm := range timings {
		if tm.Kernel != names[i] || tm.Iters != 2 || calls[tm.Kernel] != 2 {
			t.Fatalf("timing %d: %+v (calls %d)", i, tm, calls[tm.Kernel])
		}
	}
	if _, err := Bench(ctx, rt, BenchConfig{Batch: 1, Dim: 1, Vocab: 4, Iters: 1}, nil); err == nil {
		t.Fatalf("vocab below class count accepted")
	}
}
