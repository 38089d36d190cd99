package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/probe"
)

func modelFlags(steps, batch *int64, optimizer *string) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "train-steps",
			Usage:       "training steps to run after the checks (0 skips training)",
			Value:       20,
			Destination: steps,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "samples per training step",
			Value:       32,
			Destination: batch,
		},
		&cli.StringFlag{
			Name:        "optimizer",
			Usage:       "optimizer for the training loop (adam, adamw, adagrad)",
			Value:       "adam",
			Destination: optimizer,
		},
	}
}

func modelConfig(optimizer string) probe.ModelConfig {
	cfg := probe.DefaultModelConfig()
	cfg.Optimizer = optimizer
	cfg.Seed = uint64(seed)
	return cfg
}

func probeCmd() *cli.Command {
	var (
		steps     int64
		batch     int64
		optimizer string
		output    string
	)

	return &cli.Command{
		Name:  "probe",
		Usage: "Run conformance checks and a short ragged training loop",
		Flags: append(modelFlags(&steps, &batch, &optimizer),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the JSON report to this file instead of stdout",
				Destination: &output,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			report, err := probe.Run(ctx, probe.Options{
				Device:     deviceConfig(),
				TrainSteps: int(steps),
				Batch:      int(batch),
				Model:      modelConfig(optimizer),
			})
			if report == nil {
				return cli.Exit(fmt.Sprintf("error: probe: %v", err), 1)
			}

			var w io.Writer = os.Stdout
			if output != "" {
				f, ferr := os.Create(output)
				if ferr != nil {
					return cli.Exit(fmt.Sprintf("error: create %s: %v", output, ferr), 1)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if werr := report.WriteJSON(w); werr != nil {
				return cli.Exit(fmt.Sprintf("error: write report: %v", werr), 1)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: probe: %v", err), 1)
			}
			if n := len(report.Training); n > 0 {
				log.Info("training finished", "steps", n, "loss", report.Training[n-1].Loss,
					"accuracy", report.Training[n-1].Accuracy)
			}
			if !report.OK() {
				return cli.Exit(fmt.Sprintf("error: %d of %d checks failed", report.Failed, len(report.Checks)), 1)
			}
			log.Info("all checks passed", "checks", report.Passed)
			return nil
		},
	}
}
