package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	deviceID   int64
	memoryGB   float64
	workers    int64
	seed       int64
	strict     bool
	logLevel   string
	logFormat  string
	debug      bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "device",
			Usage:       "device ordinal",
			Destination: &deviceID,
		},
		&cli.Float64Flag{
			Name:        "memory-gb",
			Usage:       "device memory budget in GB (0 is unbounded)",
			Destination: &memoryGB,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "block parallelism inside a launch (0 uses GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for dropout masks and synthetic data",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "strict-bounds",
			Usage:       "fault on reads past a block's requested size",
			Destination: &strict,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (defaults to the user config dir)",
			Destination: &configFile,
		},
	}
}
