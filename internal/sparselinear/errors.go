package sparselinear

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by a Linear matches exactly one of them
// under errors.Is.
var (
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrPlanConstruction  = errors.New("plan construction failed")
	ErrPruningValidation = errors.New("pruning validation failed")
	ErrMatmulExecution   = errors.New("matmul execution failed")
	ErrStageOrder        = errors.New("stage called out of order")

	// ErrCompression extends the four fatal kinds (unsupported device, plan
	// construction, pruning validation, matmul execution): Compress failures
	// get their own kind instead of being folded into ErrPlanConstruction.
	ErrCompression = errors.New("compression failed")
)

// StageError records which stage failed, the error kind and the cause.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sparselinear %s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("sparselinear %s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause, so errors.As still reaches a
// *device.StatusError underneath.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageErr(stage string, kind error, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func stageErrf(stage string, kind error, format string, args ...any) error {
	return &StageError{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}
