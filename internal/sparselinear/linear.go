// Package sparselinear runs a linear layer with a 2:4 structured-sparse
// weight on a device library.
//
// A Linear goes through Init, Prune, Compress and Execute in that order. The
// weight is pruned and compressed on the device once; Execute can then run as
// often as needed and writes straight into the accumulator tensor given to
// Init. Any failure releases the device resources and leaves the operator in
// the Failed state; Close is always safe to call.
package sparselinear

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/logger"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// Linear is one sparse linear operator bound to one device stream.
type Linear[T tensor.Element] struct {
	mu sync.Mutex

	id      string
	lib     device.Library
	cfg     config
	compute device.ComputeType
	log     logger.Logger

	weight  *tensor.Matrix[T]
	batches int

	state      State
	device     int
	capability device.Capability
	sess       device.Session
	stream     device.Stream
	aux        []device.Stream
	bufs       *bufferSet
	plan       *Plan
	output     *tensor.Matrix[T]
}

// New prepares an operator for weight, run over batchCount batches. A weight
// with a single batch is broadcast to every batch.
func New[T tensor.Element](weight *tensor.Matrix[T], batchCount int, lib device.Library, opts ...Option) (*Linear[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if lib == nil {
		return nil, fmt.Errorf("sparselinear: device library is nil")
	}
	if batchCount < 1 {
		return nil, stageErrf("new", ErrPlanConstruction, "batch count %d must be >= 1", batchCount)
	}
	ws, err := shapeOf("weight", weight)
	if err != nil {
		return nil, stageErr("new", ErrPlanConstruction, err)
	}
	if ws.batches != 1 && ws.batches != batchCount {
		return nil, stageErrf("new", ErrPlanConstruction, "weight has %d batches, want 1 or %d", ws.batches, batchCount)
	}
	dt := dataType[T]()
	compute := device.DefaultCompute(dt)
	if cfg.computeSet {
		compute = cfg.compute
	}
	if !compute.Supports(dt) {
		return nil, stageErrf("new", ErrPlanConstruction, "compute type %s does not support %s elements", compute, dt)
	}

	id := uuid.NewString()
	return &Linear[T]{
		id:      id,
		lib:     lib,
		cfg:     cfg,
		compute: compute,
		log:     cfg.log.With("operator", id),
		weight:  weight,
		batches: batchCount,
		state:   Uninitialized,
	}, nil
}

// ID identifies the operator in logs.
func (l *Linear[T]) ID() string {
	return l.id
}

// State reports the current pipeline stage.
func (l *Linear[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Plan returns a copy of the compiled plan, or false before Init succeeded.
func (l *Linear[T]) Plan() (Plan, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plan == nil {
		return Plan{}, false
	}
	p := *l.plan
	p.compiled = nil
	return p, true
}

// Workspace returns the workspace size of the compiled plan in bytes.
func (l *Linear[T]) Workspace() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plan == nil {
		return 0
	}
	return l.plan.WorkspaceSize
}

// Capability returns the revision of the device the operator was bound to.
func (l *Linear[T]) Capability() device.Capability {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capability
}

// DeviceBytes is the device memory currently owned by the operator.
func (l *Linear[T]) DeviceBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bufs == nil {
		return 0
	}
	return l.bufs.bytes()
}

// Init checks the device, builds descriptors and the plan, and moves the
// weight, activation and bias to the device. accumulator becomes the output:
// Execute writes into its Data directly. bias may be nil; otherwise it has
// one value per row of op(weight).
func (l *Linear[T]) Init(deviceIndex int, activation, accumulator *tensor.Matrix[T], bias []T) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := enter(stageInit, l.state)
	if err != nil {
		return err
	}
	defer func() { l.finish(stageInit, next, err) }()

	cc, err := CheckDevice(l.lib, deviceIndex)
	if err != nil {
		return err
	}
	l.device, l.capability = deviceIndex, cc

	ws, _ := shapeOf("weight", l.weight)
	as, err := shapeOf("activation", activation)
	if err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	cs, err := shapeOf("accumulator", accumulator)
	if err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	descs, err := buildDescriptors(l.cfg, dataType[T](), l.batches, ws, as, cs, len(bias))
	if err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	plan := newPlan(l.cfg, l.compute, l.batches, descs)

	if err := l.open(); err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	if err := l.allocate(plan, activation, accumulator, bias); err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	if err := plan.compile(l.sess); err != nil {
		return stageErr(stageInit, ErrPlanConstruction, err)
	}
	l.plan = plan
	l.output = accumulator

	l.log.Debug("sparse linear initialised",
		"device", deviceIndex,
		"capability", cc.String(),
		"m", plan.M, "n", plan.N, "k", plan.K,
		"batches", l.batches,
		"weight_stride", plan.Weight.BatchStride,
		"activation_stride", plan.Activation.BatchStride,
		"compute", plan.Compute.String(),
		"workspace", plan.WorkspaceSize,
		"device_bytes", l.bufs.bytes(),
	)
	return nil
}

func (l *Linear[T]) open() error {
	sess, err := l.lib.Open(l.device)
	if err != nil {
		return fmt.Errorf("open device %d: %w", l.device, err)
	}
	l.sess = sess
	l.bufs = newBufferSet(sess)
	stream, err := sess.NewStream()
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	l.stream = stream
	return nil
}

// allocate fills the buffer set in the order the stages need it: operands,
// accumulator, aliased output, bias and the validity flag.
func (l *Linear[T]) allocate(plan *Plan, activation, accumulator *tensor.Matrix[T], bias []T) error {
	if _, err := l.bufs.upload(roleWeight, l.weight.Bytes()); err != nil {
		return err
	}
	if _, err := l.bufs.upload(roleActivation, activation.Bytes()); err != nil {
		return err
	}
	if l.cfg.beta != 0 {
		if _, err := l.bufs.upload(roleAccumulator, accumulator.Bytes()); err != nil {
			return err
		}
	} else {
		c, err := l.bufs.alloc(roleAccumulator, plan.Output.Bytes())
		if err != nil {
			return err
		}
		if err := l.sess.Memset(c.ptr, c.bytes); err != nil {
			return fmt.Errorf("zero accumulator buffer: %w", err)
		}
	}
	if _, err := l.bufs.register(roleOutput, accumulator.Bytes()); err != nil {
		return err
	}
	if len(bias) > 0 {
		b, err := l.bufs.upload(roleBias, tensor.AsBytes(bias))
		if err != nil {
			return err
		}
		plan.Bias = b.ptr
	}
	if _, err := l.bufs.alloc(roleValid, 4); err != nil {
		return err
	}
	return nil
}

// Prune applies the structured pruning algorithm to the device weight in
// place and verifies the result. It blocks until the check is back on the
// host.
func (l *Linear[T]) Prune() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := enter(stagePrune, l.state)
	if err != nil {
		return err
	}
	defer func() { l.finish(stagePrune, next, err) }()

	desc, op := l.plan.Weight, l.plan.OpWeight
	w := l.bufs.ptr(roleWeight)
	if err := l.sess.Prune(desc, op, w, w, l.cfg.pruneAlg, l.stream); err != nil {
		return stageErr(stagePrune, ErrPruningValidation, err)
	}
	valid := l.bufs.ptr(roleValid)
	if err := l.sess.PruneCheck(desc, op, w, valid, l.stream); err != nil {
		return stageErr(stagePrune, ErrPruningValidation, err)
	}
	if err := l.sess.Synchronize(l.stream); err != nil {
		return stageErr(stagePrune, ErrPruningValidation, err)
	}
	var flag [4]byte
	if err := l.sess.CopyToHost(flag[:], valid); err != nil {
		return stageErr(stagePrune, ErrPruningValidation, err)
	}
	if v := int32(binary.LittleEndian.Uint32(flag[:])); v != 0 {
		return stageErrf(stagePrune, ErrPruningValidation,
			"weight does not satisfy 2:4 sparsity after %s pruning (check flag %d)", l.cfg.pruneAlg, v)
	}

	l.log.Debug("sparse linear pruned", "alg", l.cfg.pruneAlg.String())
	return nil
}

// Compress encodes the pruned weight into a new device buffer.
func (l *Linear[T]) Compress() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := enter(stageCompress, l.state)
	if err != nil {
		return err
	}
	defer func() { l.finish(stageCompress, next, err) }()

	desc := l.plan.Weight
	size, scratchSize, err := l.sess.CompressedSize(desc)
	if err != nil {
		return stageErr(stageCompress, ErrCompression, err)
	}
	compressed, err := l.bufs.alloc(roleCompressed, size)
	if err != nil {
		return stageErr(stageCompress, ErrCompression, err)
	}
	var scratch device.Ptr
	if scratchSize > 0 {
		b, err := l.bufs.alloc(roleScratch, scratchSize)
		if err != nil {
			return stageErr(stageCompress, ErrCompression, err)
		}
		scratch = b.ptr
	}
	if err := l.sess.Compress(desc, l.plan.OpWeight, l.bufs.ptr(roleWeight), compressed.ptr, scratch, l.stream); err != nil {
		return stageErr(stageCompress, ErrCompression, err)
	}

	l.log.Debug("sparse linear compressed", "bytes", size, "scratch", scratchSize)
	return nil
}

// Execute issues D = alpha*op(W)*op(X) + beta*C + bias on the operator's
// stream. The result lands in the accumulator given to Init once the stream
// has finished; call Synchronize before reading it.
func (l *Linear[T]) Execute(opts ...ExecOption) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := enter(stageExecute, l.state)
	if err != nil {
		return err
	}
	defer func() { l.finish(stageExecute, next, err) }()

	var ec execConfig
	for _, opt := range opts {
		opt(&ec)
	}
	workspace := ec.workspace
	if workspace == 0 && l.plan.WorkspaceSize > 0 {
		workspace = l.bufs.ptr(roleWorkspace)
		if workspace == 0 {
			b, err := l.bufs.alloc(roleWorkspace, l.plan.WorkspaceSize)
			if err != nil {
				return stageErr(stageExecute, ErrMatmulExecution, err)
			}
			workspace = b.ptr
		}
	}
	streams := append([]device.Stream{l.stream}, ec.streams...)

	err = l.sess.Matmul(l.plan.compiled, l.cfg.alpha, l.cfg.beta,
		l.bufs.ptr(roleCompressed),
		l.bufs.ptr(roleActivation),
		l.bufs.ptr(roleAccumulator),
		l.bufs.ptr(roleOutput),
		workspace, streams)
	if err != nil {
		return stageErr(stageExecute, ErrMatmulExecution, err)
	}

	l.log.Debug("sparse linear executed", "streams", len(streams), "external_workspace", ec.workspace != 0)
	return nil
}

// Synchronize waits for all work issued on the operator's stream.
func (l *Linear[T]) Synchronize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sess == nil || l.state == Failed || l.state == Closed {
		return stageErrf("synchronize", ErrStageOrder, "no live device session while %s", l.state)
	}
	if err := l.sess.Synchronize(l.stream); err != nil {
		l.fail("synchronize")
		return stageErr("synchronize", ErrMatmulExecution, err)
	}
	return nil
}

// NewStream creates an auxiliary stream on the operator's device for
// WithStreams. The operator destroys it on Close.
func (l *Linear[T]) NewStream() (device.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sess == nil || l.state == Failed || l.state == Closed {
		return 0, stageErrf("stream", ErrStageOrder, "no live device session while %s", l.state)
	}
	s, err := l.sess.NewStream()
	if err != nil {
		return 0, fmt.Errorf("sparselinear: create auxiliary stream: %w", err)
	}
	l.aux = append(l.aux, s)
	return s, nil
}

// Output returns the accumulator bound by Init.
func (l *Linear[T]) Output() *tensor.Matrix[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.output
}

// Close releases every device resource. It is idempotent.
func (l *Linear[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Closed {
		return nil
	}
	err := l.teardown()
	l.state = Closed
	return err
}

// finish records the outcome of a stage. A failed stage tears the operator
// down and leaves it Failed.
func (l *Linear[T]) finish(stage string, next State, err error) {
	if err != nil {
		l.log.Debug("sparse linear stage failed", "stage", stage, "state", l.state.String(), "error", err)
		l.fail(stage)
		return
	}
	l.log.Debug("sparse linear stage done", "stage", stage, "from", l.state.String(), "to", next.String())
	l.state = next
}

func (l *Linear[T]) fail(stage string) {
	if err := l.teardown(); err != nil {
		l.log.Warn("release after failed stage", "stage", stage, "error", err)
	}
	l.state = Failed
}

// teardown releases resources in reverse order of creation and reports the
// first failure.
func (l *Linear[T]) teardown() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if l.plan != nil {
		keep(l.plan.release())
	}
	if l.bufs != nil {
		keep(l.bufs.release())
		l.bufs = nil
	}
	if l.sess != nil {
		for i := len(l.aux) - 1; i >= 0; i-- {
			keep(l.sess.DestroyStream(l.aux[i]))
		}
		if l.stream != 0 {
			keep(l.sess.DestroyStream(l.stream))
		}
		keep(l.sess.Close())
	}
	l.aux = nil
	l.stream = 0
	l.sess = nil
	return first
}
