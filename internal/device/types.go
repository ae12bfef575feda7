package device

import (
	"fmt"
	"strings"
)

// Order is the storage order of a matrix in device memory.
type Order int

const (
	OrderRow Order = iota
	OrderCol
)

func (o Order) String() string {
	switch o {
	case OrderRow:
		return "row"
	case OrderCol:
		return "col"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder accepts "row", "col" and their long forms.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "row", "row-major", "rowmajor":
		return OrderRow, nil
	case "col", "column", "col-major", "column-major", "colmajor":
		return OrderCol, nil
	default:
		return 0, fmt.Errorf("unknown storage order %q (expected row or col)", s)
	}
}

// Operation selects op(X) = X or op(X) = X^T in a matmul.
type Operation int

const (
	OpNonTranspose Operation = iota
	OpTranspose
)

func (o Operation) String() string {
	if o == OpTranspose {
		return "T"
	}
	return "N"
}

// DataType is the element encoding of a matrix.
type DataType int

const (
	DataF16 DataType = iota
	DataF32
)

func (d DataType) String() string {
	switch d {
	case DataF16:
		return "f16"
	case DataF32:
		return "f32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the element width in bytes.
func (d DataType) Size() int64 {
	switch d {
	case DataF16:
		return 2
	case DataF32:
		return 4
	default:
		return 0
	}
}

// ComputeType is the arithmetic mode of the matmul.
type ComputeType int

const (
	Compute16F ComputeType = iota
	Compute32F
	ComputeTF32
	ComputeTF32Fast
)

func (c ComputeType) String() string {
	switch c {
	case Compute16F:
		return "16f"
	case Compute32F:
		return "32f"
	case ComputeTF32:
		return "tf32"
	case ComputeTF32Fast:
		return "tf32-fast"
	default:
		return fmt.Sprintf("compute(%d)", int(c))
	}
}

// Supports reports whether the compute type accepts inputs of the given type.
func (c ComputeType) Supports(dt DataType) bool {
	switch dt {
	case DataF16:
		return c == Compute16F || c == Compute32F
	case DataF32:
		return c == ComputeTF32 || c == ComputeTF32Fast
	default:
		return false
	}
}

// ParseCompute accepts the String forms plus "fp16", "fp32" and "tf32fast".
func ParseCompute(s string) (ComputeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "16f", "fp16", "f16":
		return Compute16F, nil
	case "32f", "fp32", "f32":
		return Compute32F, nil
	case "tf32":
		return ComputeTF32, nil
	case "tf32-fast", "tf32fast":
		return ComputeTF32Fast, nil
	default:
		return 0, fmt.Errorf("unknown compute type %q (expected 16f, 32f, tf32 or tf32-fast)", s)
	}
}

// DefaultCompute is the compute type used when none is configured.
func DefaultCompute(dt DataType) ComputeType {
	if dt == DataF32 {
		return ComputeTF32
	}
	return Compute16F
}

// Sparsity is the structured sparsity ratio of a sparse descriptor.
type Sparsity int

const (
	// Sparsity50 keeps two of every four consecutive elements.
	Sparsity50 Sparsity = iota
)

func (s Sparsity) String() string {
	if s == Sparsity50 {
		return "50%"
	}
	return fmt.Sprintf("sparsity(%d)", int(s))
}

// PruneAlg selects the pruning pattern.
type PruneAlg int

const (
	// PruneStrip keeps the two largest magnitudes of every 1x4 strip.
	PruneStrip PruneAlg = iota
	// PruneTile zeroes a 4x4 tile so every row and column keeps two values.
	PruneTile
)

func (p PruneAlg) String() string {
	switch p {
	case PruneStrip:
		return "strip"
	case PruneTile:
		return "tile"
	default:
		return fmt.Sprintf("prune(%d)", int(p))
	}
}

// ParsePruneAlg accepts "strip" or "tile".
func ParsePruneAlg(s string) (PruneAlg, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strip":
		return PruneStrip, nil
	case "tile":
		return PruneTile, nil
	default:
		return 0, fmt.Errorf("unknown prune algorithm %q (expected strip or tile)", s)
	}
}

// MatmulAlg is the algorithm family for plan selection.
type MatmulAlg int

const (
	MatmulAlgDefault MatmulAlg = iota
)

// Capability is a compute capability (architecture revision).
type Capability struct {
	Major int
	Minor int
}

func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// ParseCapability parses "8.6" style strings.
func ParseCapability(s string) (Capability, error) {
	var c Capability
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d.%d", &c.Major, &c.Minor); err != nil {
		return Capability{}, fmt.Errorf("invalid compute capability %q: %w", s, err)
	}
	return c, nil
}

// Ptr is an address in device memory. Zero is the null pointer.
type Ptr uintptr

// Stream identifies an execution stream. Zero is the default stream.
type Stream uintptr

// MatDesc describes one matrix as the sparse library sees it.
type MatDesc struct {
	Rows      int64
	Cols      int64
	Ld        int64
	Alignment uint32
	Type      DataType
	Order     Order

	// Structured marks the sparse operand; Sparsity only applies then.
	Structured bool
	Sparsity   Sparsity

	Batches     int32
	BatchStride int64
}

// Elements returns the number of elements one batch spans in memory.
func (d MatDesc) Elements() int64 {
	if d.Order == OrderRow {
		return (d.Rows-1)*d.Ld + d.Cols
	}
	return (d.Cols-1)*d.Ld + d.Rows
}

// Bytes returns the size of the buffer backing the descriptor, counting
// every batch unless the batch stride broadcasts a single matrix.
func (d MatDesc) Bytes() int64 {
	n := d.Elements()
	if d.Batches > 1 && d.BatchStride > 0 {
		n += int64(d.Batches-1) * d.BatchStride
	}
	return n * d.Type.Size()
}

// Index returns the element offset of (row, col) within batch b.
func (d MatDesc) Index(b, row, col int64) int64 {
	off := b * d.BatchStride
	if d.Order == OrderRow {
		return off + row*d.Ld + col
	}
	return off + col*d.Ld + row
}

// OpShape returns rows and cols of op(X) for the descriptor.
func (d MatDesc) OpShape(op Operation) (int64, int64) {
	if op == OpTranspose {
		return d.Cols, d.Rows
	}
	return d.Rows, d.Cols
}

// MatmulDesc describes D = alpha*op(A)*op(B) + beta*C + bias.
type MatmulDesc struct {
	OpA     Operation
	OpB     Operation
	A       MatDesc
	B       MatDesc
	C       MatDesc
	D       MatDesc
	Compute ComputeType
	// Bias is a device vector with one entry per row of D; zero disables it.
	Bias Ptr
}

// AlgSelection picks the algorithm and its configuration id.
type AlgSelection struct {
	Alg      MatmulAlg
	ConfigID int
}
