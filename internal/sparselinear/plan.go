package sparselinear

import (
	"github.com/samcharles93/sparselt/internal/device"
)

// Plan is the compiled matmul plan of one operator together with everything
// it was compiled from. It is rebuilt, never patched, when a descriptor
// changes.
type Plan struct {
	Weight     device.MatDesc
	Activation device.MatDesc
	// Output describes both the accumulator input C and the result D.
	Output device.MatDesc

	OpWeight     device.Operation
	OpActivation device.Operation
	Compute      device.ComputeType
	Alg          device.AlgSelection
	Bias         device.Ptr

	M, N, K int64
	Batches int

	// WorkspaceSize is the scratch the library needs during Execute.
	WorkspaceSize int64

	compiled device.CompiledPlan
}

// MatmulDesc returns the library descriptor the plan was compiled from.
func (p *Plan) MatmulDesc() device.MatmulDesc {
	return device.MatmulDesc{
		OpA:     p.OpWeight,
		OpB:     p.OpActivation,
		A:       p.Weight,
		B:       p.Activation,
		C:       p.Output,
		D:       p.Output,
		Compute: p.Compute,
		Bias:    p.Bias,
	}
}

func newPlan(cfg config, compute device.ComputeType, batches int, d descriptors) *Plan {
	return &Plan{
		Weight:       d.weight,
		Activation:   d.activation,
		Output:       d.output,
		OpWeight:     cfg.opWeight,
		OpActivation: cfg.opActivation,
		Compute:      compute,
		Alg:          device.AlgSelection{Alg: device.MatmulAlgDefault, ConfigID: cfg.configID},
		M:            d.m,
		N:            d.n,
		K:            d.k,
		Batches:      batches,
	}
}

// compile hands the plan to the library and records the workspace size.
func (p *Plan) compile(sess device.Session) error {
	compiled, err := sess.PlanInit(p.MatmulDesc(), p.Alg)
	if err != nil {
		return err
	}
	p.compiled = compiled
	p.WorkspaceSize = compiled.WorkspaceSize()
	return nil
}

func (p *Plan) release() error {
	if p == nil || p.compiled == nil {
		return nil
	}
	err := p.compiled.Close()
	p.compiled = nil
	return err
}
