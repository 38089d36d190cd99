package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/probe"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		interval    time.Duration
		steps       int64
		batch       int64
		optimizer   string
		history     int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run a training loop and serve pool statistics over HTTP",
		Flags: append(modelFlags(&steps, &batch, &optimizer),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8090",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "pause between training steps",
				Value:       100 * time.Millisecond,
				Destination: &interval,
			},
			&cli.Int64Flag{
				Name:        "history",
				Usage:       "training steps kept for /v1/steps",
				Value:       1024,
				Destination: &history,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if fileConfig.StatsAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.StatsAddress
			}
			// train-steps 0 means train until interrupted
			if !cmd.IsSet("train-steps") {
				steps = 0
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := device.Init(ctx, deviceConfig())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: init device: %v", err), 1)
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Error("close device", "error", err)
				}
			}()

			store := api.NewStepStore(int(history))
			server := api.NewServer(api.RuntimeSource(rt), store)
			e := api.NewEcho()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return trainLoop(gctx, rt, modelConfig(optimizer), int(steps), int(batch), interval, store.Add)
			})
			g.Go(func() error {
				log.Info("starting stats server", "address", addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(gctx, e)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return cli.Exit(fmt.Sprintf("error: serve: %v", err), 1)
			}
			return nil
		},
	}
}

// trainLoop steps a probe model until ctx is done or steps have run. The
// model is released before return so the runtime can close cleanly.
func trainLoop(ctx context.Context, rt *device.Runtime, cfg probe.ModelConfig, steps, batch int,
	interval time.Duration, record func(probe.StepResult)) error {
	log := logger.FromContext(ctx)
	m, err := probe.NewModel(rt, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release() }()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5bd1e995))
	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()
	for steps <= 0 || m.Steps() < steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		res, err := m.Step(probe.Samples(rng, cfg, batch, 6))
		if err != nil {
			return fmt.Errorf("training step %d: %w", m.Steps()+1, err)
		}
		record(res)
		if res.Step%100 == 0 {
			log.Info("training", "step", res.Step, "loss", res.Loss, "accuracy", res.Accuracy)
		}
	}
	log.Info("training finished", "steps", m.Steps())
	<-ctx.Done()
	return ctx.Err()
}
