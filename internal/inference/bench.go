package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/sparselinear"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// BenchResult times the one-off setup stages and each repeated Execute.
type BenchResult struct {
	Plan     sparselinear.Plan
	Setup    time.Duration
	Runs     []time.Duration
	DevBytes int64
}

// FLOPs returns the multiply-adds of one run counted as two operations.
func (b *BenchResult) FLOPs() float64 {
	return 2 * float64(b.Plan.M) * float64(b.Plan.N) * float64(b.Plan.K) * float64(b.Plan.Batches)
}

// Bench prepares the operator once and executes it warmup+runs times,
// timing only the last runs. ctx is checked between executions.
func (e *Engine) Bench(ctx context.Context, req *Request, warmup, runs int) (*BenchResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("runs must be at least 1")
	}
	dtype, err := resolveDType(req)
	if err != nil {
		return nil, err
	}
	opts, err := req.Options(e.log)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch dtype {
	case device.DataF16:
		return bench[float16.Float16](ctx, e.lib, req, opts, warmup, runs)
	default:
		return bench[float32](ctx, e.lib, req, opts, warmup, runs)
	}
}

func bench[T tensor.Element](ctx context.Context, lib device.Library, req *Request, opts []sparselinear.Option, warmup, runs int) (res *BenchResult, err error) {
	batches, rows, cols, err := req.OutputShape()
	if err != nil {
		return nil, err
	}
	weight, err := narrow[T]("weight", req.Weight)
	if err != nil {
		return nil, err
	}
	activation, err := narrow[T]("activation", req.Activation)
	if err != nil {
		return nil, err
	}
	acc := tensor.New[T](batches, rows, cols)
	if req.Accumulator != nil {
		if acc, err = narrow[T]("accumulator", req.Accumulator); err != nil {
			return nil, err
		}
	}
	var bias []T
	for _, v := range req.Bias {
		bias = append(bias, tensor.FromF32[T](v))
	}

	l, err := sparselinear.New(weight, acc.Batches, lib, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	start := time.Now()
	if err := l.Init(req.Device, activation, acc, bias); err != nil {
		return nil, err
	}
	if err := l.Prune(); err != nil {
		return nil, err
	}
	if err := l.Compress(); err != nil {
		return nil, err
	}
	res = &BenchResult{Setup: time.Since(start), DevBytes: l.DeviceBytes()}

	for i := range warmup + runs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t0 := time.Now()
		if err := l.Execute(); err != nil {
			return nil, err
		}
		if err := l.Synchronize(); err != nil {
			return nil, err
		}
		if i >= warmup {
			res.Runs = append(res.Runs, time.Since(t0))
		}
	}
	res.Plan, _ = l.Plan()
	return res, nil
}
