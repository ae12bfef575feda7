package api

import (
	"github.com/samcharles93/sparselt/internal/inference"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Matrix is the wire form of a host matrix: row-major values batch after
// batch. Batches defaults to 1.
type Matrix struct {
	Batches int       `json:"batches,omitempty"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Data    []float32 `json:"data"`
}

func (m *Matrix) toTensor(name string) (*tensor.Matrix[float32], error) {
	if m == nil {
		return nil, nil
	}
	batches := m.Batches
	if batches == 0 {
		batches = 1
	}
	out, err := tensor.FromSlice(batches, m.Rows, m.Cols, m.Data)
	if err != nil {
		return nil, newInvalidRequest(name, err.Error())
	}
	return out, nil
}

func fromTensor(m *tensor.Matrix[float32]) Matrix {
	return Matrix{Batches: m.Batches, Rows: m.Rows, Cols: m.Cols, Data: m.Data}
}

// LinearRequest is the body of POST /v1/linear. Settings fields sit at the
// top level next to the matrices.
type LinearRequest struct {
	inference.Settings

	Weight      *Matrix   `json:"weight"`
	Activation  *Matrix   `json:"activation"`
	Accumulator *Matrix   `json:"accumulator,omitempty"`
	Bias        []float32 `json:"bias,omitempty"`
}

func (r *LinearRequest) toInference() (*inference.Request, error) {
	if r.Weight == nil {
		return nil, newInvalidRequest("weight", "is required")
	}
	if r.Activation == nil {
		return nil, newInvalidRequest("activation", "is required")
	}
	req := &inference.Request{Settings: r.Settings, Bias: r.Bias}
	var err error
	if req.Weight, err = r.Weight.toTensor("weight"); err != nil {
		return nil, err
	}
	if req.Activation, err = r.Activation.toTensor("activation"); err != nil {
		return nil, err
	}
	if req.Accumulator, err = r.Accumulator.toTensor("accumulator"); err != nil {
		return nil, err
	}
	if _, err := req.Options(nil); err != nil {
		return nil, newInvalidRequest("", err.Error())
	}
	if req.DType != "" {
		if _, err := inference.ParseDType(req.DType); err != nil {
			return nil, newInvalidRequest("dtype", err.Error())
		}
	}
	return req, nil
}

type PlanInfo struct {
	M             int64  `json:"m"`
	N             int64  `json:"n"`
	K             int64  `json:"k"`
	Batches       int    `json:"batches"`
	Compute       string `json:"compute"`
	Order         string `json:"order"`
	OpWeight      string `json:"op_weight"`
	OpActivation  string `json:"op_activation"`
	AlgConfig     int    `json:"alg_config"`
	WorkspaceSize int64  `json:"workspace_size"`
}

type LinearResponse struct {
	ID         string   `json:"id"`
	Object     string   `json:"object"`
	Created    int64    `json:"created"`
	Device     int      `json:"device"`
	Capability string   `json:"capability"`
	DType      string   `json:"dtype"`
	DurationMS float64  `json:"duration_ms"`
	Plan       PlanInfo `json:"plan"`
	Output     Matrix   `json:"output"`
}

type DeviceInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Capability  string `json:"capability"`
	TotalMemory uint64 `json:"total_memory,omitempty"`
	Supported   bool   `json:"supported"`
}

type DeviceList struct {
	Object  string       `json:"object"`
	Backend string       `json:"backend"`
	Data    []DeviceInfo `json:"data"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
