package inference

import (
	"fmt"
	"strings"

	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/safetensors"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Tensor names the loader looks for.
const (
	TensorWeight      = "weight"
	TensorActivation  = "activation"
	TensorBias        = "bias"
	TensorAccumulator = "accumulator"
	TensorOutput      = "output"
)

// Loader reads run inputs from safetensors files. WeightPath holds the weight
// and, unless ActivationPath is set, every other tensor too.
type Loader struct {
	WeightPath     string
	ActivationPath string
}

// Load fills a Request from the files. weight and activation are required;
// bias and accumulator are picked up when present. When s.DType is empty it
// follows the weight's dtype.
func (l Loader) Load(s Settings) (*Request, error) {
	if strings.TrimSpace(l.WeightPath) == "" {
		return nil, fmt.Errorf("weight file is required")
	}
	wf, err := safetensors.Open(l.WeightPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.WeightPath, err)
	}
	af := wf
	if l.ActivationPath != "" {
		if af, err = safetensors.Open(l.ActivationPath); err != nil {
			return nil, fmt.Errorf("open %s: %w", l.ActivationPath, err)
		}
	}

	req := &Request{Settings: s}
	if req.Weight, err = safetensors.ReadMatrix[float32](wf, TensorWeight); err != nil {
		return nil, err
	}
	if req.Activation, err = safetensors.ReadMatrix[float32](af, TensorActivation); err != nil {
		return nil, err
	}
	if req.DType == "" {
		info, _ := wf.Tensor(TensorWeight)
		req.DType = dtypeOf(info.DType).String()
	}
	for _, f := range []*safetensors.File{wf, af} {
		if _, ok := f.Tensor(TensorBias); ok && req.Bias == nil {
			if req.Bias, err = safetensors.ReadVector[float32](f, TensorBias); err != nil {
				return nil, err
			}
		}
		if _, ok := f.Tensor(TensorAccumulator); ok && req.Accumulator == nil {
			if req.Accumulator, err = safetensors.ReadMatrix[float32](f, TensorAccumulator); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

// dtypeOf maps a safetensors dtype to the operator element type. BF16 has no
// operator counterpart and runs as f32.
func dtypeOf(st string) device.DataType {
	if st == "F16" {
		return device.DataF16
	}
	return device.DataF32
}

// Save writes the output of res to path as the "output" tensor in the
// element type of the run, with the plan dimensions as metadata.
func Save(path string, res *Result) error {
	w := safetensors.NewWriter()
	w.SetMetadata("run", res.ID)
	w.SetMetadata("device", res.Device.Name)
	w.SetMetadata("compute", res.Plan.Compute.String())
	w.SetMetadata("mnk", fmt.Sprintf("%d,%d,%d", res.Plan.M, res.Plan.N, res.Plan.K))

	var err error
	switch res.DType {
	case device.DataF16:
		var m *tensor.Matrix[float16.Float16]
		m, err = tensor.FromFloat32[float16.Float16](res.Output.Batches, res.Output.Rows, res.Output.Cols, res.Output.Data)
		if err == nil {
			err = safetensors.AddMatrix(w, TensorOutput, m)
		}
	default:
		err = safetensors.AddMatrix(w, TensorOutput, res.Output)
	}
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}
