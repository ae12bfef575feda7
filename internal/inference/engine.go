package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/logger"
	"github.com/samcharles93/sparselt/internal/sparselinear"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Engine runs forward passes against one device library. Runs are
// serialised: the operator owns the device stream for its whole lifetime.
type Engine struct {
	lib device.Library
	log logger.Logger

	mu sync.Mutex
}

// NewEngine runs operators on lib. A nil log discards records.
func NewEngine(lib device.Library, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{lib: lib, log: log}
}

func (e *Engine) Library() device.Library {
	return e.lib
}

// Run executes req once. ctx is checked before the run starts; a started
// run is not interrupted.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	dtype, err := resolveDType(req)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	opts, err := req.Options(e.log.With("run", id))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := e.lib.Describe(req.Device)
	if err != nil {
		return nil, fmt.Errorf("describe device %d: %w", req.Device, err)
	}

	start := time.Now()
	var (
		out  *tensor.Matrix[float32]
		plan sparselinear.Plan
	)
	switch dtype {
	case device.DataF16:
		out, plan, err = safeForward[float16.Float16](e.lib, req, opts)
	default:
		out, plan, err = safeForward[float32](e.lib, req, opts)
	}
	if err != nil {
		return nil, err
	}
	res := &Result{
		ID:     id,
		DType:  dtype,
		Output: out,
		Plan:   plan,
		Device: info,
		Stats:  Stats{Duration: time.Since(start)},
	}
	e.log.Info("forward pass done",
		"run", id,
		"device", info.Index,
		"dtype", dtype,
		"m", plan.M, "n", plan.N, "k", plan.K,
		"batches", plan.Batches,
		"duration", res.Stats.Duration,
	)
	return res, nil
}

func resolveDType(req *Request) (device.DataType, error) {
	if req.DType == "" {
		return device.DataF32, nil
	}
	return ParseDType(req.DType)
}

func safeForward[T tensor.Element](lib device.Library, req *Request, opts []sparselinear.Option) (out *tensor.Matrix[float32], plan sparselinear.Plan, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in forward pass: %v", rec)
		}
	}()
	return forward[T](lib, req, opts)
}

func forward[T tensor.Element](lib device.Library, req *Request, opts []sparselinear.Option) (*tensor.Matrix[float32], sparselinear.Plan, error) {
	batches, rows, cols, err := req.OutputShape()
	if err != nil {
		return nil, sparselinear.Plan{}, err
	}
	weight, err := narrow[T]("weight", req.Weight)
	if err != nil {
		return nil, sparselinear.Plan{}, err
	}
	activation, err := narrow[T]("activation", req.Activation)
	if err != nil {
		return nil, sparselinear.Plan{}, err
	}
	var acc *tensor.Matrix[T]
	if req.Accumulator != nil {
		if acc, err = narrow[T]("accumulator", req.Accumulator); err != nil {
			return nil, sparselinear.Plan{}, err
		}
	} else {
		acc = tensor.New[T](batches, rows, cols)
	}
	var bias []T
	if len(req.Bias) > 0 {
		bias = make([]T, len(req.Bias))
		for i, v := range req.Bias {
			bias[i] = tensor.FromF32[T](v)
		}
	}

	plan, err := sparselinear.Forward(lib, req.Device, weight, activation, acc, bias, opts...)
	if err != nil {
		return nil, sparselinear.Plan{}, err
	}
	out, err := tensor.FromSlice(acc.Batches, acc.Rows, acc.Cols, acc.Float32())
	if err != nil {
		return nil, sparselinear.Plan{}, err
	}
	return out, plan, nil
}

func narrow[T tensor.Element](name string, m *tensor.Matrix[float32]) (*tensor.Matrix[T], error) {
	if m == nil {
		return nil, fmt.Errorf("%s matrix is required", name)
	}
	out, err := tensor.FromFloat32[T](m.Batches, m.Rows, m.Cols, m.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
