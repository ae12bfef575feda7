package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparselt/internal/backend"
)

var (
	backendName string
	hostCaps    []string
	hostMemory  uint64
	logLevel    string
	logFormat   string
	debug       bool
)

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (" + backend.Available() + ")",
			Value:       backend.Auto,
			Destination: &backendName,
		},
		&cli.StringSliceFlag{
			Name:        "host-capability",
			Usage:       "compute capability of each emulated host device, e.g. 8.6",
			Destination: &hostCaps,
		},
		&cli.Uint64Flag{
			Name:        "host-memory",
			Usage:       "memory reported by each emulated host device in bytes",
			Destination: &hostMemory,
		},
	}
}

// operatorFlags binds the operator settings to s.
func operatorFlags(s *settingsFlags) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "device index",
			Destination: &s.Device,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "element type (f32, f16); defaults to the weight tensor's",
			Destination: &s.DType,
		},
		&cli.StringFlag{
			Name:        "order",
			Usage:       "storage order of every matrix (row, col)",
			Value:       "row",
			Destination: &s.Order,
		},
		&cli.BoolFlag{
			Name:        "transpose-weight",
			Aliases:     []string{"tw"},
			Usage:       "use the transposed weight",
			Destination: &s.TransposeWeight,
		},
		&cli.BoolFlag{
			Name:        "transpose-activation",
			Aliases:     []string{"ta"},
			Usage:       "use the transposed activation",
			Destination: &s.TransposeActivation,
		},
		&cli.StringFlag{
			Name:        "prune-alg",
			Usage:       "pruning pattern (strip, tile)",
			Value:       "strip",
			Destination: &s.PruneAlg,
		},
		&cli.StringFlag{
			Name:        "compute",
			Usage:       "compute type (16f, 32f, tf32, tf32-fast); defaults by dtype",
			Destination: &s.Compute,
		},
		&cli.Float64Flag{
			Name:        "alpha",
			Usage:       "scale of the sparse product",
			Value:       1,
			Destination: &s.alpha,
		},
		&cli.Float64Flag{
			Name:        "beta",
			Usage:       "scale of the accumulator",
			Destination: &s.beta,
		},
		&cli.IntFlag{
			Name:        "alg-config",
			Usage:       "matmul algorithm config id",
			Destination: &s.AlgConfig,
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
