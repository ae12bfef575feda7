package safetensors

import (
	"fmt"

	"github.com/samcharles93/sparselt/internal/tensor"
)

// ReadMatrix loads a rank 2 ([rows, cols]) or rank 3 ([batches, rows, cols])
// tensor as a matrix of element type T.
func ReadMatrix[T tensor.Element](f *File, name string) (*tensor.Matrix[T], error) {
	values, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	var batches, rows, cols int
	switch len(info.Shape) {
	case 2:
		batches, rows, cols = 1, info.Shape[0], info.Shape[1]
	case 3:
		batches, rows, cols = info.Shape[0], info.Shape[1], info.Shape[2]
	default:
		return nil, fmt.Errorf("tensor %s: shape %v is not a matrix", name, info.Shape)
	}
	return tensor.FromFloat32[T](batches, rows, cols, values)
}

// ReadVector loads a rank 1 tensor as a slice of element type T.
func ReadVector[T tensor.Element](f *File, name string) ([]T, error) {
	values, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("tensor %s: shape %v is not a vector", name, info.Shape)
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = tensor.FromF32[T](v)
	}
	return out, nil
}

// AddMatrix queues m under name, as [rows, cols] for one batch and
// [batches, rows, cols] otherwise.
func AddMatrix[T tensor.Element](w *Writer, name string, m *tensor.Matrix[T]) error {
	shape := []int{m.Rows, m.Cols}
	if m.Batches > 1 {
		shape = []int{m.Batches, m.Rows, m.Cols}
	}
	return w.Add(name, tensor.DTypeName[T](), shape, m.Bytes())
}

// AddVector queues v under name as a rank 1 tensor.
func AddVector[T tensor.Element](w *Writer, name string, v []T) error {
	return w.Add(name, tensor.DTypeName[T](), []int{len(v)}, tensor.AsBytes(v))
}
