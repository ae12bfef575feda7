package sparselinear

import (
	"errors"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Forward runs the whole pipeline once and writes the result into
// accumulator, whose batch count sets the batch count of the run. It returns
// the plan that was executed.
func Forward[T tensor.Element](lib device.Library, deviceIndex int, weight, activation, accumulator *tensor.Matrix[T], bias []T, opts ...Option) (plan Plan, err error) {
	if accumulator == nil {
		return Plan{}, stageErrf("new", ErrPlanConstruction, "accumulator matrix is nil")
	}
	l, err := New(weight, accumulator.Batches, lib, opts...)
	if err != nil {
		return Plan{}, err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := l.Init(deviceIndex, activation, accumulator, bias); err != nil {
		return Plan{}, err
	}
	if err := l.Prune(); err != nil {
		return Plan{}, err
	}
	if err := l.Compress(); err != nil {
		return Plan{}, err
	}
	if err := l.Execute(); err != nil {
		return Plan{}, err
	}
	if err := l.Synchronize(); err != nil {
		return Plan{}, err
	}
	plan, _ = l.Plan()
	return plan, nil
}
