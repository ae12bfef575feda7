package host

import (
	"fmt"

	"github.com/samcharles93/sparselt/internal/device"
)

// maxConfigID is the number of kernel configurations the emulator accepts.
const maxConfigID = 3

type plan struct {
	desc   device.MatmulDesc
	alg    device.AlgSelection
	closed bool
}

func (p *plan) WorkspaceSize() int64 {
	return 0
}

func (p *plan) Close() error {
	p.closed = true
	return nil
}

func validateMatmul(desc device.MatmulDesc, alg device.AlgSelection) error {
	if !desc.A.Structured {
		return fmt.Errorf("matrix A must be structured")
	}
	if desc.B.Structured || desc.C.Structured || desc.D.Structured {
		return fmt.Errorf("only matrix A may be structured")
	}
	for _, m := range []struct {
		name string
		desc device.MatDesc
	}{{"A", desc.A}, {"B", desc.B}, {"C", desc.C}, {"D", desc.D}} {
		if err := validateDesc(m.desc); err != nil {
			return fmt.Errorf("matrix %s: %w", m.name, err)
		}
		if m.desc.Type != desc.A.Type {
			return fmt.Errorf("matrix %s type %s differs from A type %s", m.name, m.desc.Type, desc.A.Type)
		}
		if m.desc.Batches != desc.D.Batches {
			return fmt.Errorf("matrix %s has %d batches, D has %d", m.name, m.desc.Batches, desc.D.Batches)
		}
	}
	if !desc.Compute.Supports(desc.A.Type) {
		return fmt.Errorf("compute type %s does not support %s inputs", desc.Compute, desc.A.Type)
	}
	m, k := desc.A.OpShape(desc.OpA)
	kb, n := desc.B.OpShape(desc.OpB)
	if k != kb {
		return fmt.Errorf("inner dimensions differ: op(A) is %dx%d, op(B) is %dx%d", m, k, kb, n)
	}
	if desc.C.Rows != desc.D.Rows || desc.C.Cols != desc.D.Cols || desc.C.Order != desc.D.Order {
		return fmt.Errorf("C and D descriptors differ")
	}
	if desc.D.Rows != m || desc.D.Cols != n {
		return fmt.Errorf("D is %dx%d, want %dx%d", desc.D.Rows, desc.D.Cols, m, n)
	}
	if desc.D.Batches > 1 && desc.D.BatchStride == 0 {
		return fmt.Errorf("output cannot broadcast across batches")
	}
	if alg.Alg != device.MatmulAlgDefault || alg.ConfigID < 0 || alg.ConfigID > maxConfigID {
		return fmt.Errorf("algorithm config %d out of range [0, %d]", alg.ConfigID, maxConfigID)
	}
	return nil
}

func (s *Session) PlanInit(desc device.MatmulDesc, alg device.AlgSelection) (device.CompiledPlan, error) {
	const name = "PlanInit"
	if _, err := s.enter(name); err != nil {
		return nil, err
	}
	if err := validateMatmul(desc, alg); err != nil {
		return nil, invalid(name, err)
	}
	return &plan{desc: desc, alg: alg}, nil
}

// Matmul computes D = alpha*op(A)*op(B) + beta*C + bias with A in the
// compressed layout written by Compress.
func (s *Session) Matmul(cp device.CompiledPlan, alpha, beta float32, a, b, c, d, workspace device.Ptr, streams []device.Stream) error {
	const name = "Matmul"
	if bypass, err := s.enter(name); err != nil || bypass {
		return err
	}
	for _, st := range streams {
		if err := s.checkStream(name, st); err != nil {
			return err
		}
	}
	p, ok := cp.(*plan)
	if !ok || p == nil || p.closed {
		return invalid(name, fmt.Errorf("plan is not a live host plan"))
	}
	desc := p.desc

	values, meta := compressedLayout(desc.A)
	aBuf, status := s.lib.mem.view(a, storedBatches(desc.A)*(values+meta))
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	bBuf, status := s.lib.mem.view(b, desc.B.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	dBuf, status := s.lib.mem.view(d, desc.D.Bytes())
	if err := device.Check(libName, name, status); err != nil {
		return err
	}
	var cBuf []byte
	if beta != 0 {
		cBuf, status = s.lib.mem.view(c, desc.C.Bytes())
		if err := device.Check(libName, name, status); err != nil {
			return err
		}
	}
	m, k := desc.A.OpShape(desc.OpA)
	_, n := desc.B.OpShape(desc.OpB)
	var bias []byte
	if desc.Bias != 0 {
		bias, status = s.lib.mem.view(desc.Bias, m*desc.D.Type.Size())
		if err := device.Check(libName, name, status); err != nil {
			return err
		}
	}

	dt := desc.A.Type
	tf32 := desc.Compute == device.ComputeTF32 || desc.Compute == device.ComputeTF32Fast
	round := func(v float32) float32 {
		if tf32 {
			return roundTF32(v)
		}
		return v
	}
	groups := k / groupSize
	batches := int64(desc.D.Batches)

	return parallelFor(batches*m, func(lo, hi int64) error {
		for row := lo; row < hi; row++ {
			bi, i := row/m, row%m
			var base int64
			if desc.A.BatchStride != 0 {
				base = bi * (values + meta)
			}
			vals := aBuf[base : base+values]
			metas := aBuf[base+values : base+values+meta]
			for j := int64(0); j < n; j++ {
				var sum float32
				for g := int64(0); g < groups; g++ {
					md := metas[i*groups+g]
					slot := i*(k/groupKeep) + g*groupKeep
					for p := int64(0); p < groupKeep; p++ {
						col := g*groupSize + int64(md>>(2*p)&0x3)
						av := round(load(vals, dt, slot+p))
						bv := round(load(bBuf, dt, opIndex(desc.B, desc.OpB, bi, col, j)))
						sum += av * bv
					}
				}
				out := alpha * sum
				if cBuf != nil {
					out += beta * load(cBuf, dt, desc.C.Index(bi, i, j))
				}
				if bias != nil {
					out += load(bias, desc.D.Type, i)
				}
				store(dBuf, desc.D.Type, desc.D.Index(bi, i, j), out)
			}
		}
		return nil
	})
}
