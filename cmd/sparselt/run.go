package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparselt/internal/inference"
	"github.com/samcharles93/sparselt/internal/logger"
)

type runOutput struct {
	ID         string    `json:"id"`
	Device     int       `json:"device"`
	Capability string    `json:"capability"`
	DType      string    `json:"dtype"`
	Compute    string    `json:"compute"`
	M          int64     `json:"m"`
	N          int64     `json:"n"`
	K          int64     `json:"k"`
	Batches    int       `json:"batches"`
	Workspace  int64     `json:"workspace_size"`
	DurationMS float64   `json:"duration_ms"`
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Output     []float32 `json:"output"`
}

func inputFlags(weightPath, activationPath *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "safetensors file with weight, activation and optional bias/accumulator tensors",
			Required:    true,
			Destination: weightPath,
		},
		&cli.StringFlag{
			Name:        "activation",
			Usage:       "separate safetensors file holding the activation (and optional accumulator)",
			Destination: activationPath,
		},
	}
}

func runCmd() *cli.Command {
	var (
		s              = &settingsFlags{}
		weightPath     string
		activationPath string
		outputPath     string
		format         string
	)

	flags := append(backendFlags(), operatorFlags(s)...)
	flags = append(flags, inputFlags(&weightPath, &activationPath)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "output path; empty writes JSON to stdout",
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "format",
			Usage:       "output format (safetensors, json); defaults by output extension",
			Destination: &format,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Prune, compress and multiply one weight/activation pair",
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
			log.Info("running sparse linear",
				"backend", lib.Name(),
				"device", req.Device,
				"dtype", req.DType,
				"weight", fmt.Sprintf("%dx%dx%d", req.Weight.Batches, req.Weight.Rows, req.Weight.Cols),
				"activation", fmt.Sprintf("%dx%dx%d", req.Activation.Batches, req.Activation.Rows, req.Activation.Cols),
			)

			res, err := inference.NewEngine(lib, log).Run(ctx, req)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: run: %v", err), 1)
			}
			return writeResult(res, outputPath, format, os.Stdout)
		},
	}
}

func resolveFormat(outputPath, format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "safetensors", "json":
	case "":
		format = "json"
		if strings.HasSuffix(strings.ToLower(outputPath), ".safetensors") {
			format = "safetensors"
		}
	default:
		return "", fmt.Errorf("unknown output format %q (expected safetensors or json)", format)
	}
	if format == "safetensors" && outputPath == "" {
		return "", fmt.Errorf("safetensors output needs --output")
	}
	return format, nil
}

func writeResult(res *inference.Result, outputPath, format string, stdout io.Writer) error {
	format, err := resolveFormat(outputPath, format)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if format == "safetensors" {
		if err := inference.Save(outputPath, res); err != nil {
			return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
		}
		return nil
	}

	out := runOutput{
		ID:         res.ID,
		Device:     res.Device.Index,
		Capability: res.Device.Capability.String(),
		DType:      res.DType.String(),
		Compute:    res.Plan.Compute.String(),
		M:          res.Plan.M,
		N:          res.Plan.N,
		K:          res.Plan.K,
		Batches:    res.Plan.Batches,
		Workspace:  res.Plan.WorkspaceSize,
		DurationMS: float64(res.Stats.Duration.Microseconds()) / 1000,
		Rows:       res.Output.Rows,
		Cols:       res.Output.Cols,
		Output:     res.Output.Data,
	}
	if outputPath == "" {
		err = encodeOutput(stdout, out)
	} else {
		var f *os.File
		if f, err = os.Create(outputPath); err == nil {
			err = writeAndClose(f, out)
		}
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
	}
	return nil
}

func encodeOutput(w io.Writer, out runOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writeAndClose reports a failed Close when the encode itself succeeded,
// since a buffered short write only surfaces there.
func writeAndClose(wc io.WriteCloser, out runOutput) error {
	if err := encodeOutput(wc, out); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
