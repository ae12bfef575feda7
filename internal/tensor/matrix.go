package tensor

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// Element is the closed set of element kinds the sparse operator supports.
type Element interface {
	float32 | float16.Float16
}

// Matrix is a dense batch of equally shaped matrices stored contiguously.
//
// Batches is the number of matrices, each Rows x Cols. Data holds the
// flattened values batch after batch; the layout inside a batch is decided by
// whoever consumes the matrix (row-major unless stated otherwise).
type Matrix[T Element] struct {
	Batches int
	Rows    int
	Cols    int
	Data    []T
}

// New allocates a zeroed matrix.
func New[T Element](batches, rows, cols int) *Matrix[T] {
	if batches < 1 || rows < 0 || cols < 0 {
		panic("invalid matrix dimensions")
	}
	return &Matrix[T]{
		Batches: batches,
		Rows:    rows,
		Cols:    cols,
		Data:    make([]T, batches*rows*cols),
	}
}

// FromSlice wraps data without copying.
func FromSlice[T Element](batches, rows, cols int, data []T) (*Matrix[T], error) {
	if batches < 1 || rows < 1 || cols < 1 {
		return nil, fmt.Errorf("invalid matrix dimensions %dx%dx%d", batches, rows, cols)
	}
	if len(data) != batches*rows*cols {
		return nil, fmt.Errorf("data length %d does not match %dx%dx%d", len(data), batches, rows, cols)
	}
	return &Matrix[T]{Batches: batches, Rows: rows, Cols: cols, Data: data}, nil
}

// FromFloat32 converts float32 values into a new matrix of element type T.
func FromFloat32[T Element](batches, rows, cols int, values []float32) (*Matrix[T], error) {
	data := make([]T, len(values))
	for i, v := range values {
		data[i] = FromF32[T](v)
	}
	return FromSlice(batches, rows, cols, data)
}

// Len returns the number of elements.
func (m *Matrix[T]) Len() int {
	return len(m.Data)
}

// Stride returns the number of elements between two batches.
func (m *Matrix[T]) Stride() int {
	return m.Rows * m.Cols
}

// At returns the row-major element (b, r, c).
func (m *Matrix[T]) At(b, r, c int) T {
	return m.Data[b*m.Stride()+r*m.Cols+c]
}

// Set stores the row-major element (b, r, c).
func (m *Matrix[T]) Set(b, r, c int, v T) {
	m.Data[b*m.Stride()+r*m.Cols+c] = v
}

// Float32 returns a widened copy of the data.
func (m *Matrix[T]) Float32() []float32 {
	out := make([]float32, len(m.Data))
	for i, v := range m.Data {
		out[i] = ToF32(v)
	}
	return out
}

// Bytes returns a view of the backing memory. Writes through the view are
// visible in Data.
func (m *Matrix[T]) Bytes() []byte {
	return AsBytes(m.Data)
}

// AsBytes returns the backing memory of s as bytes without copying.
func AsBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*ElementSize[T]())
}

// ElementSize returns the width of T in bytes.
func ElementSize[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// DTypeName returns the safetensors dtype name of T.
func DTypeName[T Element]() string {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return "F16"
	default:
		return "F32"
	}
}

// ToF32 widens one element.
func ToF32[T Element](v T) float32 {
	switch x := any(v).(type) {
	case float16.Float16:
		return x.Float32()
	case float32:
		return x
	}
	return 0
}

// FromF32 narrows one value to T, rounding to nearest even.
func FromF32[T Element](v float32) T {
	var out T
	switch p := any(&out).(type) {
	case *float16.Float16:
		*p = float16.Fromfloat32(v)
	case *float32:
		*p = v
	}
	return out
}
