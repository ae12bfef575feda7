package sparselinear

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/tensor"
)

func dataType[T tensor.Element]() device.DataType {
	var zero T
	if _, ok := any(zero).(float16.Float16); ok {
		return device.DataF16
	}
	return device.DataF32
}

// shape is one host matrix as seen by the descriptor builder.
type shape struct {
	name    string
	batches int
	rows    int
	cols    int
}

func shapeOf[T tensor.Element](name string, m *tensor.Matrix[T]) (shape, error) {
	if m == nil {
		return shape{}, fmt.Errorf("%s matrix is nil", name)
	}
	if m.Batches < 1 || m.Rows < 1 || m.Cols < 1 {
		return shape{}, fmt.Errorf("%s matrix has invalid shape %dx%dx%d", name, m.Batches, m.Rows, m.Cols)
	}
	if len(m.Data) != m.Batches*m.Rows*m.Cols {
		return shape{}, fmt.Errorf("%s matrix holds %d values, want %d", name, len(m.Data), m.Batches*m.Rows*m.Cols)
	}
	return shape{name: name, batches: m.Batches, rows: m.Rows, cols: m.Cols}, nil
}

// describe builds the descriptor of one stored matrix. A single stored
// matrix used for several batches gets a zero stride and is broadcast.
func describe(s shape, cfg config, dt device.DataType, batches int, structured bool) (device.MatDesc, error) {
	rows, cols := int64(s.rows), int64(s.cols)
	ld := cols
	if cfg.order == device.OrderCol {
		ld = rows
	}
	var stride int64
	switch s.batches {
	case batches:
		stride = rows * cols
	case 1:
		stride = 0
	default:
		return device.MatDesc{}, fmt.Errorf("%s matrix has %d batches, want 1 or %d", s.name, s.batches, batches)
	}
	d := device.MatDesc{
		Rows:        rows,
		Cols:        cols,
		Ld:          ld,
		Alignment:   cfg.alignment,
		Type:        dt,
		Order:       cfg.order,
		Structured:  structured,
		Batches:     int32(batches),
		BatchStride: stride,
	}
	if structured {
		d.Sparsity = device.Sparsity50
	}
	return d, nil
}

// descriptors holds the builder's output for one operator instance.
type descriptors struct {
	weight     device.MatDesc
	activation device.MatDesc
	output     device.MatDesc
	m, k, n    int64
}

// buildDescriptors derives the sparse weight, dense activation and dense
// output descriptors. The output descriptor serves as both C and D.
func buildDescriptors(cfg config, dt device.DataType, batches int, weight, activation, output shape, biasLen int) (descriptors, error) {
	if cfg.alignment == 0 || cfg.alignment%16 != 0 {
		return descriptors{}, fmt.Errorf("alignment %d is not a positive multiple of 16 bytes", cfg.alignment)
	}
	w, err := describe(weight, cfg, dt, batches, true)
	if err != nil {
		return descriptors{}, err
	}
	a, err := describe(activation, cfg, dt, batches, false)
	if err != nil {
		return descriptors{}, err
	}
	m, k := w.OpShape(cfg.opWeight)
	kb, n := a.OpShape(cfg.opActivation)
	if k != kb {
		return descriptors{}, fmt.Errorf("op(weight) is %dx%d but op(activation) is %dx%d", m, k, kb, n)
	}
	if m%4 != 0 || k%4 != 0 {
		return descriptors{}, fmt.Errorf("op(weight) is %dx%d, both dimensions must be multiples of 4", m, k)
	}
	// Rows of the sparse operand must start on an aligned address.
	if (w.Ld*dt.Size())%int64(cfg.alignment) != 0 {
		return descriptors{}, fmt.Errorf("weight leading dimension %d (%s) violates %d-byte alignment", w.Ld, dt, cfg.alignment)
	}
	if int64(output.rows) != m || int64(output.cols) != n {
		return descriptors{}, fmt.Errorf("%s matrix is %dx%d, want %dx%d", output.name, output.rows, output.cols, m, n)
	}
	if output.batches != batches {
		return descriptors{}, fmt.Errorf("%s matrix has %d batches, want %d", output.name, output.batches, batches)
	}
	o, err := describe(output, cfg, dt, batches, false)
	if err != nil {
		return descriptors{}, err
	}
	if biasLen != 0 && int64(biasLen) != m {
		return descriptors{}, fmt.Errorf("bias has %d values, want %d", biasLen, m)
	}
	return descriptors{weight: w, activation: a, output: o, m: m, k: k, n: n}, nil
}
