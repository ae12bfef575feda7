package main

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparselt/internal/inference"
	"github.com/samcharles93/sparselt/internal/logger"
)

func benchmarkCmd() *cli.Command {
	var (
		s              = &settingsFlags{}
		weightPath     string
		activationPath string
		warmupRuns     int
		benchRuns      int
	)

	flags := append(backendFlags(), operatorFlags(s)...)
	flags = append(flags, inputFlags(&weightPath, &activationPath)...)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of untimed executions",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of timed executions",
			Value:       10,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Prepare the operator once and time repeated executions",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyBackendConfig(cmd, cfg)
			applySettingsConfig(cmd, cfg, s)

			lib, err := openLibrary()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: backend: %v", err), 1)
			}
			req, err := inference.Loader{WeightPath: weightPath, ActivationPath: activationPath}.Load(s.settings())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load inputs: %v", err), 1)
			}
			log.Info("benchmarking sparse linear", "backend", lib.Name(), "warmup", warmupRuns, "runs", benchRuns)

			res, err := inference.NewEngine(lib, log).Bench(ctx, req, warmupRuns, benchRuns)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: benchmark: %v", err), 1)
			}

			fmt.Println("=== sparselt benchmark ===")
			fmt.Printf("Backend:  %s\n", lib.Name())
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Shape:    m=%d n=%d k=%d batches=%d\n", res.Plan.M, res.Plan.N, res.Plan.K, res.Plan.Batches)
			fmt.Printf("Compute:  %s\n", res.Plan.Compute)
			fmt.Printf("Device:   %.1f KB\n", float64(res.DevBytes)/1024)
			fmt.Printf("Setup:    %s\n", res.Setup.Round(time.Microsecond))
			fmt.Println()

			fmt.Printf("%-6s %12s %12s\n", "Run", "Duration", "GFLOP/s")
			var total time.Duration
			for i, d := range res.Runs {
				fmt.Printf("%-6d %12s %12.3f\n", i+1, d.Round(time.Microsecond), gflops(res.FLOPs(), d))
				total += d
			}
			sorted := slices.Clone(res.Runs)
			slices.Sort(sorted)
			avg := total / time.Duration(len(res.Runs))
			fmt.Printf("\n%-6s %12s %12.3f\n", "Avg", avg.Round(time.Microsecond), gflops(res.FLOPs(), avg))
			fmt.Printf("%-6s %12s %12.3f\n", "Median", sorted[len(sorted)/2].Round(time.Microsecond), gflops(res.FLOPs(), sorted[len(sorted)/2]))
			return nil
		},
	}
}

func gflops(flops float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return flops / d.Seconds() / 1e9
}
