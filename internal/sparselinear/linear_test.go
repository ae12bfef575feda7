package sparselinear

import (
	"bytes"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/device/host"
	"github.com/samcharles93/sparselt/internal/logger"
	"github.com/samcharles93/sparselt/internal/tensor"
)

// sparseWeight is 2:4 sparse along its rows already, so pruning keeps it.
var sparseWeight = []float32{
	1, 0, 2, 0,
	0, 3, 0, 4,
	5, 6, 0, 0,
	0, 0, 7, 8,
}

var identityLike = []float32{
	1, 0,
	0, 1,
	1, 0,
	0, 1,
}

var rowBias = []float32{0.5, 1, 1.5, 2}

func mustMatrix[T tensor.Element](t *testing.T, batches, rows, cols int, values []float32) *tensor.Matrix[T] {
	t.Helper()
	m, err := tensor.FromFloat32[T](batches, rows, cols, values)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	return m
}

func toF64[T tensor.Element](values []T) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(tensor.ToF32(v))
	}
	return out
}

// batchDense returns batch b of m as a gonum matrix, reading the single batch
// of a broadcast matrix for every b.
func batchDense[T tensor.Element](m *tensor.Matrix[T], b int) *mat.Dense {
	if m.Batches == 1 {
		b = 0
	}
	stride := m.Stride()
	return mat.NewDense(m.Rows, m.Cols, toF64(m.Data[b*stride:(b+1)*stride]))
}

// reference computes op(W)*op(X) + bias with gonum.
func reference(w, x mat.Matrix, bias []float32) []float64 {
	var prod mat.Dense
	prod.Mul(w, x)
	r, c := prod.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := prod.At(i, j)
			if bias != nil {
				v += float64(bias[i])
			}
			out = append(out, v)
		}
	}
	return out
}

func approx() cmp.Option {
	return cmpopts.EquateApprox(0, 1e-6)
}

func TestForwardMatchesDenseProduct(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
	out := tensor.New[float32](1, 4, 2)

	plan, err := Forward(lib, 0, weight, activation, out, rowBias)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if plan.M != 4 || plan.N != 2 || plan.K != 4 {
		t.Fatalf("plan m,n,k = %d,%d,%d, want 4,2,4", plan.M, plan.N, plan.K)
	}
	want := reference(batchDense(weight, 0), batchDense(activation, 0), rowBias)
	if diff := cmp.Diff(want, toF64(out.Data), approx()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if got := lib.LiveBuffers(); got != 0 {
		t.Fatalf("LiveBuffers() after Forward = %d, want 0", got)
	}
}

func TestForwardFloat16(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	weight := mustMatrix[float16.Float16](t, 1, 4, 8, []float32{
		1, 0, 2, 0, 0, 3, 0, 4,
		0, 5, 0, 6, 7, 0, 8, 0,
		1, 1, 0, 0, 0, 0, 1, 1,
		0, 0, 0, 2, 0, 0, 0, 0,
	})
	values := make([]float32, 8*4)
	for i := range 8 {
		for j := range 4 {
			values[i*4+j] = float32((i+j)%3 - 1)
		}
	}
	activation := mustMatrix[float16.Float16](t, 1, 8, 4, values)
	out := tensor.New[float16.Float16](1, 4, 4)

	plan, err := Forward(lib, 0, weight, activation, out, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if plan.Compute != device.Compute16F {
		t.Fatalf("compute = %s, want 16f", plan.Compute)
	}
	if plan.Bias != 0 {
		t.Fatalf("plan carries a bias pointer without a bias")
	}
	want := reference(batchDense(weight, 0), batchDense(activation, 0), nil)
	if diff := cmp.Diff(want, toF64(out.Data)); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardTransposedWeight(t *testing.T) {
	t.Parallel()

	w := mat.NewDense(4, 4, toF64(sparseWeight))
	stored := make([]float32, 16)
	for i := range 4 {
		for j := range 4 {
			stored[j*4+i] = sparseWeight[i*4+j]
		}
	}
	weight := mustMatrix[float32](t, 1, 4, 4, stored)
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
	out := tensor.New[float32](1, 4, 2)

	_, err := Forward(host.New(host.Config{}), 0, weight, activation, out, rowBias,
		WithOps(device.OpTranspose, device.OpNonTranspose))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := reference(w, batchDense(activation, 0), rowBias)
	if diff := cmp.Diff(want, toF64(out.Data), approx()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardAlphaBeta(t *testing.T) {
	t.Parallel()

	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
	out := tensor.New[float32](1, 4, 2)
	for i := range out.Data {
		out.Data[i] = 4
	}

	_, err := Forward(host.New(host.Config{}), 0, weight, activation, out, rowBias,
		WithAlpha(2), WithBeta(0.5))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := reference(batchDense(weight, 0), batchDense(activation, 0), nil)
	for i := range want {
		want[i] = 2*want[i] + 0.5*4 + float64(rowBias[i/2])
	}
	if diff := cmp.Diff(want, toF64(out.Data), approx()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchBroadcastWeight(t *testing.T) {
	t.Parallel()

	const batches = 3
	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)

	t.Run("per-batch activation", func(t *testing.T) {
		t.Parallel()
		values := make([]float32, 0, batches*8)
		for b := range batches {
			for _, v := range identityLike {
				values = append(values, v*float32(b+1))
			}
		}
		activation := mustMatrix[float32](t, batches, 4, 2, values)
		out := tensor.New[float32](batches, 4, 2)

		plan, err := Forward(host.New(host.Config{}), 0, weight, activation, out, rowBias)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if plan.Weight.BatchStride != 0 || plan.Activation.BatchStride != 8 {
			t.Fatalf("strides = %d/%d, want 0/8", plan.Weight.BatchStride, plan.Activation.BatchStride)
		}
		for b := range batches {
			want := reference(batchDense(weight, b), batchDense(activation, b), rowBias)
			got := toF64(out.Data[b*8 : (b+1)*8])
			if diff := cmp.Diff(want, got, approx()); diff != "" {
				t.Fatalf("batch %d mismatch (-want +got):\n%s", b, diff)
			}
		}
	})

	t.Run("shared activation", func(t *testing.T) {
		t.Parallel()
		activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
		out := tensor.New[float32](batches, 4, 2)

		if _, err := Forward(host.New(host.Config{}), 0, weight, activation, out, rowBias); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		first := out.Data[:8]
		for b := 1; b < batches; b++ {
			if !slices.Equal(first, out.Data[b*8:(b+1)*8]) {
				t.Fatalf("batch %d = %v, want %v", b, out.Data[b*8:(b+1)*8], first)
			}
		}
	})
}

func opAt(data []float32, cols int, op device.Operation, i, j int) float32 {
	if op == device.OpTranspose {
		return data[j*cols+i]
	}
	return data[i*cols+j]
}

func TestPruneLeavesTwoZerosPerGroup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		alg  device.PruneAlg
		op   device.Operation
	}{
		{"strip", device.PruneStrip, device.OpNonTranspose},
		{"strip transposed", device.PruneStrip, device.OpTranspose},
		{"tile", device.PruneTile, device.OpNonTranspose},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			const n = 8
			values := make([]float32, n*n)
			for i := range values {
				values[i] = float32(i%7) + 0.5
			}
			lib := host.New(host.Config{})
			weight := mustMatrix[float32](t, 1, n, n, values)
			l, err := New(weight, 1, lib, WithPruneAlg(tc.alg), WithOps(tc.op, device.OpNonTranspose))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer l.Close()

			activation := tensor.New[float32](1, n, 2)
			if err := l.Init(0, activation, tensor.New[float32](1, n, 2), nil); err != nil {
				t.Fatalf("Init: %v", err)
			}
			if err := l.Prune(); err != nil {
				t.Fatalf("Prune: %v", err)
			}

			raw := make([]byte, len(values)*4)
			if err := l.sess.CopyToHost(raw, l.bufs.ptr(roleWeight)); err != nil {
				t.Fatalf("CopyToHost: %v", err)
			}
			pruned := make([]float32, len(values))
			copy(tensor.AsBytes(pruned), raw)

			for i := range n {
				for g := 0; g < n; g += 4 {
					zeros := 0
					for e := range 4 {
						if opAt(pruned, n, tc.op, i, g+e) == 0 {
							zeros++
						}
					}
					if zeros < 2 {
						t.Fatalf("row %d group %d has %d zeros: %v", i, g/4, zeros, pruned)
					}
				}
			}
			if tc.alg == device.PruneTile {
				for j := range n {
					zeros := 0
					for i := range n {
						if pruned[i*n+j] == 0 {
							zeros++
						}
					}
					if zeros != n/2 {
						t.Fatalf("tile pruning left column %d with %d zeros", j, zeros)
					}
				}
			}
			if values[0] != 0.5 {
				t.Fatalf("pruning modified the host weight")
			}
		})
	}
}

func TestPruneValidationFailure(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	lib.Bypass("Prune")
	dense := make([]float32, 16)
	for i := range dense {
		dense[i] = float32(i + 1)
	}
	l, err := New(mustMatrix[float32](t, 1, 4, 4, dense), 1, lib)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Init(0, tensor.New[float32](1, 4, 2), tensor.New[float32](1, 4, 2), nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err = l.Prune()
	if !errors.Is(err, ErrPruningValidation) {
		t.Fatalf("Prune error = %v, want ErrPruningValidation", err)
	}
	if l.State() != Failed {
		t.Fatalf("state = %s, want failed", l.State())
	}
	if lib.LiveBuffers() != 0 || lib.LiveStreams() != 0 {
		t.Fatalf("leaked %d buffers and %d streams", lib.LiveBuffers(), lib.LiveStreams())
	}
	if err := l.Compress(); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("Compress after failure = %v, want ErrStageOrder", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.State() != Closed {
		t.Fatalf("state = %s, want closed", l.State())
	}
}

func TestStageOrderEnforced(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
	out := tensor.New[float32](1, 4, 2)

	wantOrder := func(name string, err error, state State) {
		t.Helper()
		if !errors.Is(err, ErrStageOrder) {
			t.Fatalf("%s error = %v, want ErrStageOrder", name, err)
		}
		if l.State() != state {
			t.Fatalf("%s moved state to %s, want %s", name, l.State(), state)
		}
	}
	mustOK := func(name string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	wantOrder("Prune before Init", l.Prune(), Uninitialized)
	wantOrder("Execute before Init", l.Execute(), Uninitialized)
	if _, err := l.NewStream(); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("NewStream before Init = %v, want ErrStageOrder", err)
	}
	mustOK("Init", l.Init(0, activation, out, rowBias))
	wantOrder("Init twice", l.Init(0, activation, out, rowBias), Initialized)
	wantOrder("Compress before Prune", l.Compress(), Initialized)
	wantOrder("Execute before Compress", l.Execute(), Initialized)
	mustOK("Prune", l.Prune())
	wantOrder("Execute before Compress", l.Execute(), Pruned)
	wantOrder("Prune twice", l.Prune(), Pruned)
	mustOK("Compress", l.Compress())
	mustOK("Execute", l.Execute())
	mustOK("Execute again", l.Execute())
	mustOK("Synchronize", l.Synchronize())
	if l.State() != Ready {
		t.Fatalf("state = %s, want ready", l.State())
	}

	mustOK("Close", l.Close())
	mustOK("Close twice", l.Close())
	wantOrder("Execute after Close", l.Execute(), Closed)
	wantOrder("Synchronize after Close", l.Synchronize(), Closed)
}

func TestFreshRunsAreBitIdentical(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	weightValues := make([]float32, 2*8*16)
	for i := range weightValues {
		weightValues[i] = r.Float32()*2 - 1
	}
	actValues := make([]float32, 2*16*4)
	for i := range actValues {
		actValues[i] = r.Float32()*2 - 1
	}
	bias := make([]float32, 8)
	for i := range bias {
		bias[i] = r.Float32()
	}

	run := func() []float32 {
		weight := mustMatrix[float32](t, 2, 8, 16, weightValues)
		activation := mustMatrix[float32](t, 2, 16, 4, actValues)
		out := tensor.New[float32](2, 8, 4)
		if _, err := Forward(host.New(host.Config{}), 0, weight, activation, out, bias); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return out.Data
	}
	first, second := run(), run()
	if !slices.Equal(first, second) {
		t.Fatalf("runs differ:\n%v\n%v", first, second)
	}
}

func TestFailedStageReleasesResources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op   string
		kind error
	}{
		{"ComputeCapability", ErrUnsupportedDevice},
		{"Open", ErrPlanConstruction},
		{"NewStream", ErrPlanConstruction},
		{"Malloc", ErrPlanConstruction},
		{"CopyToDevice", ErrPlanConstruction},
		{"Memset", ErrPlanConstruction},
		{"RegisterHost", ErrPlanConstruction},
		{"PlanInit", ErrPlanConstruction},
		{"Prune", ErrPruningValidation},
		{"PruneCheck", ErrPruningValidation},
		{"Synchronize", ErrPruningValidation},
		{"CopyToHost", ErrPruningValidation},
		{"CompressedSize", ErrCompression},
		{"Compress", ErrCompression},
		{"Matmul", ErrMatmulExecution},
	}
	for _, tc := range tests {
		t.Run(tc.op, func(t *testing.T) {
			t.Parallel()

			lib := host.New(host.Config{})
			lib.Inject(tc.op, device.StatusInternalError)
			l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
			out := tensor.New[float32](1, 4, 2)

			err = l.Init(0, activation, out, rowBias)
			if err == nil {
				err = l.Prune()
			}
			if err == nil {
				err = l.Compress()
			}
			if err == nil {
				err = l.Execute()
			}
			if !errors.Is(err, tc.kind) {
				t.Fatalf("error = %v, want %v", err, tc.kind)
			}
			var se *device.StatusError
			if !errors.As(err, &se) || se.Status != device.StatusInternalError {
				t.Fatalf("library status not preserved in %v", err)
			}
			if l.State() != Failed {
				t.Fatalf("state = %s, want failed", l.State())
			}
			if lib.LiveBuffers() != 0 || lib.LiveStreams() != 0 {
				t.Fatalf("leaked %d buffers and %d streams", lib.LiveBuffers(), lib.LiveStreams())
			}
			if err := l.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestUnsupportedDeviceAllocatesNothing(t *testing.T) {
	t.Parallel()

	for _, cc := range []device.Capability{{Major: 7, Minor: 5}, {Major: 7, Minor: 0}, {Major: 6, Minor: 0}} {
		lib := host.New(host.Config{Capabilities: []device.Capability{cc}})
		l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		err = l.Init(0, mustMatrix[float32](t, 1, 4, 2, identityLike), tensor.New[float32](1, 4, 2), rowBias)
		if !errors.Is(err, ErrUnsupportedDevice) {
			t.Fatalf("Init on %s = %v, want ErrUnsupportedDevice", cc, err)
		}
		if lib.Allocations() != 0 {
			t.Fatalf("Init on %s allocated %d buffers", cc, lib.Allocations())
		}
	}

	for _, cc := range SupportedCapabilities {
		lib := host.New(host.Config{Capabilities: []device.Capability{cc}})
		l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := l.Init(0, mustMatrix[float32](t, 1, 4, 2, identityLike), tensor.New[float32](1, 4, 2), rowBias); err != nil {
			t.Fatalf("Init on %s: %v", cc, err)
		}
		if l.Capability() != cc {
			t.Fatalf("Capability() = %s, want %s", l.Capability(), cc)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestMisalignedWeightAllocatesNothing(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	l, err := New(mustMatrix[float16.Float16](t, 1, 4, 4, sparseWeight), 1, lib)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = l.Init(0, mustMatrix[float16.Float16](t, 1, 4, 2, identityLike), tensor.New[float16.Float16](1, 4, 2), nil)
	if !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("Init = %v, want ErrPlanConstruction", err)
	}
	var status *device.StatusError
	if errors.As(err, &status) {
		t.Fatalf("shape error carries a device status: %v", status)
	}
	if lib.Allocations() != 0 || lib.LiveStreams() != 0 {
		t.Fatalf("rejected Init allocated %d buffers and %d streams", lib.Allocations(), lib.LiveStreams())
	}
}

func TestExternalWorkspaceAndStreams(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)
	out := tensor.New[float32](1, 4, 2)

	l, err := New(weight, 1, lib)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Init(0, activation, out, rowBias); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := l.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if err := l.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	aux, err := l.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	other, err := lib.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	workspace, err := other.Malloc(256)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	if err := l.Execute(WithWorkspace(workspace), WithStreams(aux)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := l.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	want := reference(batchDense(weight, 0), batchDense(activation, 0), rowBias)
	if diff := cmp.Diff(want, toF64(l.Output().Data), approx()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if lib.LiveStreams() != 0 {
		t.Fatalf("LiveStreams() = %d, want 0", lib.LiveStreams())
	}
	if lib.LiveBuffers() != 1 {
		t.Fatalf("LiveBuffers() = %d, want only the caller's workspace", lib.LiveBuffers())
	}
	if err := other.Free(workspace); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestPlanAccessors(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib, WithAlgConfig(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	if _, ok := l.Plan(); ok {
		t.Fatal("Plan() reported a plan before Init")
	}
	if err := l.Init(0, mustMatrix[float32](t, 1, 4, 2, identityLike), tensor.New[float32](1, 4, 2), rowBias); err != nil {
		t.Fatalf("Init: %v", err)
	}
	plan, ok := l.Plan()
	if !ok {
		t.Fatal("Plan() missing after Init")
	}
	if plan.Alg.ConfigID != 2 || plan.Bias == 0 || plan.Compute != device.ComputeTF32 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if l.Workspace() != 0 {
		t.Fatalf("Workspace() = %d, want 0 on the host device", l.Workspace())
	}
	// weight 64 + activation 32 + accumulator 32 + bias 16 + flag 4
	if got := l.DeviceBytes(); got != 148 {
		t.Fatalf("DeviceBytes() = %d, want 148", got)
	}
	if l.ID() == "" {
		t.Fatal("operator id is empty")
	}
}

func TestInvalidAlgConfigFailsPlan(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	l, err := New(mustMatrix[float32](t, 1, 4, 4, sparseWeight), 1, lib, WithAlgConfig(99))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = l.Init(0, mustMatrix[float32](t, 1, 4, 2, identityLike), tensor.New[float32](1, 4, 2), nil)
	if !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("Init = %v, want ErrPlanConstruction", err)
	}
	if lib.LiveBuffers() != 0 {
		t.Fatalf("LiveBuffers() = %d, want 0", lib.LiveBuffers())
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	lib := host.New(host.Config{})
	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)

	if _, err := New(weight, 1, nil); err == nil {
		t.Fatal("expected error for nil library")
	}
	if _, err := New(weight, 0, lib); !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("batch count 0 = %v, want ErrPlanConstruction", err)
	}
	if _, err := New[float32](nil, 1, lib); !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("nil weight = %v, want ErrPlanConstruction", err)
	}
	twoBatch := mustMatrix[float32](t, 2, 4, 4, append(slices.Clone(sparseWeight), sparseWeight...))
	if _, err := New(twoBatch, 3, lib); !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("batch mismatch = %v, want ErrPlanConstruction", err)
	}
	if _, err := New(weight, 1, lib, WithCompute(device.Compute16F)); !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("16f compute on float32 = %v, want ErrPlanConstruction", err)
	}
}

func TestStagesAreLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.JSON(&buf, slog.LevelDebug)
	weight := mustMatrix[float32](t, 1, 4, 4, sparseWeight)
	activation := mustMatrix[float32](t, 1, 4, 2, identityLike)

	if _, err := Forward(host.New(host.Config{}), 0, weight, activation, tensor.New[float32](1, 4, 2), nil, WithLogger(log)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"sparse linear initialised", "sparse linear pruned", "sparse linear compressed", "sparse linear executed", `"operator":"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}
