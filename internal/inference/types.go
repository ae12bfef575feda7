// Package inference runs one sparse linear forward pass for the CLI and the
// API server. Callers describe the run with string-typed settings and float32
// matrices; the engine picks the element type and drives the operator.
package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/logger"
	"github.com/samcharles93/sparselt/internal/sparselinear"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Settings are the operator knobs shared by the CLI flags, the config file
// and the API request body.
type Settings struct {
	DType               string  `json:"dtype,omitempty" yaml:"dtype"`
	Device              int     `json:"device" yaml:"device"`
	Order               string  `json:"order,omitempty" yaml:"order"`
	TransposeWeight     bool    `json:"transpose_weight,omitempty" yaml:"transpose_weight"`
	TransposeActivation bool    `json:"transpose_activation,omitempty" yaml:"transpose_activation"`
	PruneAlg            string  `json:"prune_alg,omitempty" yaml:"prune_alg"`
	Compute             string  `json:"compute,omitempty" yaml:"compute"`
	Alpha               float32 `json:"alpha" yaml:"alpha"`
	Beta                float32 `json:"beta" yaml:"beta"`
	AlgConfig           int     `json:"alg_config,omitempty" yaml:"alg_config"`
}

// DefaultSettings returns alpha 1, beta 0, row order and strip pruning. An
// empty DType follows the input data.
func DefaultSettings() Settings {
	return Settings{
		Order:    device.OrderRow.String(),
		PruneAlg: device.PruneStrip.String(),
		Alpha:    1,
	}
}

// Options converts s into operator options.
func (s Settings) Options(log logger.Logger) ([]sparselinear.Option, error) {
	order, err := device.ParseOrder(s.Order)
	if err != nil {
		return nil, err
	}
	alg, err := device.ParsePruneAlg(s.PruneAlg)
	if err != nil {
		return nil, err
	}
	opts := []sparselinear.Option{
		sparselinear.WithOrder(order),
		sparselinear.WithOps(operation(s.TransposeWeight), operation(s.TransposeActivation)),
		sparselinear.WithPruneAlg(alg),
		sparselinear.WithAlpha(s.Alpha),
		sparselinear.WithBeta(s.Beta),
		sparselinear.WithAlgConfig(s.AlgConfig),
	}
	if strings.TrimSpace(s.Compute) != "" {
		compute, err := device.ParseCompute(s.Compute)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sparselinear.WithCompute(compute))
	}
	if log != nil {
		opts = append(opts, sparselinear.WithLogger(log))
	}
	return opts, nil
}

func operation(transpose bool) device.Operation {
	if transpose {
		return device.OpTranspose
	}
	return device.OpNonTranspose
}

// ParseDType accepts f32/float32 and f16/float16/half in any case.
func ParseDType(s string) (device.DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return device.DataF32, nil
	case "f16", "fp16", "float16", "half":
		return device.DataF16, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q (expected f32 or f16)", s)
	}
}

// Request is one forward pass. Accumulator may be nil, in which case the
// engine allocates a zeroed output of the right shape.
type Request struct {
	Settings

	Weight      *tensor.Matrix[float32]
	Activation  *tensor.Matrix[float32]
	Accumulator *tensor.Matrix[float32]
	Bias        []float32
}

// OutputShape returns the batches, rows and columns of op(W)*op(X).
func (r *Request) OutputShape() (batches, rows, cols int, err error) {
	if r.Weight == nil || r.Activation == nil {
		return 0, 0, 0, fmt.Errorf("weight and activation are required")
	}
	rows, cols = r.Weight.Rows, r.Activation.Cols
	if r.TransposeWeight {
		rows = r.Weight.Cols
	}
	if r.TransposeActivation {
		cols = r.Activation.Rows
	}
	return max(r.Weight.Batches, r.Activation.Batches), rows, cols, nil
}

type Stats struct {
	Duration time.Duration
}

type Result struct {
	ID     string
	DType  device.DataType
	Output *tensor.Matrix[float32]
	Plan   sparselinear.Plan
	Device device.Info
	Stats  Stats
}
