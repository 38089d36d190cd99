package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/probe"
)

func benchCmd() *cli.Command {
	var (
		batch  int64
		dim    int64
		vocab  int64
		maxLen int64
		iters  int64
		asJSON bool
		noBar  bool
	)
	def := probe.DefaultBenchConfig()

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the ragged kernels of a training step",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "batch", Usage: "items per batch", Value: int64(def.Batch), Destination: &batch},
			&cli.Int64Flag{Name: "dim", Usage: "embedding width", Value: int64(def.Dim), Destination: &dim},
			&cli.Int64Flag{Name: "vocab", Usage: "embedding table entries", Value: int64(def.Vocab), Destination: &vocab},
			&cli.Int64Flag{Name: "max-len", Usage: "longest ragged item", Value: int64(def.MaxLen), Destination: &maxLen},
			&cli.Int64Flag{Name: "iters", Aliases: []string{"n"}, Usage: "launches per kernel", Value: int64(def.Iters), Destination: &iters},
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "no-progress", Usage: "disable the progress bar", Destination: &noBar},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := probe.BenchConfig{
				Batch:  int(batch),
				Dim:    int(dim),
				Vocab:  int(vocab),
				MaxLen: int(maxLen),
				Iters:  int(iters),
				Seed:   uint64(seed),
			}

			rt, err := device.Init(ctx, deviceConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: init device: %v", err), 1)
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Error("close device", "error", err)
				}
			}()

			var bar *progressbar.ProgressBar
			if !noBar {
				bar = progressbar.NewOptions(len(probe.BenchKernels())*cfg.Iters,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("Benchmarking"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}
			onIter := func(kernel string) {
				if bar != nil {
					bar.Describe(kernel)
					_ = bar.Add(1)
				}
			}

			start := time.Now()
			timings, err := probe.Bench(ctx, rt, cfg, onIter)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			log.Debug("bench finished", "elapsed", time.Since(start), "launches", rt.Stream().Launched())

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"config": cfg, "timings": timings, "pool": rt.Pool().Stats()})
			}

			fmt.Println("=== Strata Bench ===")
			fmt.Printf("Batch:  %d items, up to %d ids each\n", cfg.Batch, cfg.MaxLen)
			fmt.Printf("Table:  %d x %d\n", cfg.Vocab, cfg.Dim)
			fmt.Printf("Iters:  %d per kernel\n", cfg.Iters)
			fmt.Println()
			fmt.Printf("%-18s %12s %14s\n", "kernel", "per launch", "items/s")
			for _, t := range timings {
				fmt.Printf("%-18s %12s %14.0f\n", t.Kernel, t.PerIter.Round(time.Microsecond), t.ItemsSec)
			}
			stats := rt.Pool().Stats()
			fmt.Println()
			fmt.Printf("Pool:   %d allocs, %d hits, peak %.1f MB\n", stats.Allocs, stats.Hits, float64(stats.PeakInUseBytes)/(1<<20))
			return nil
		},
	}
}
