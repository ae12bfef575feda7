package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

type pending struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// Writer collects tensors and serialises them as one safetensors file.
// Tensor data is laid out in name order.
type Writer struct {
	tensors  []pending
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{}
}

// SetMetadata records a string entry in the header's __metadata__ block.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// Add queues a tensor. data is retained, not copied.
func (w *Writer) Add(name, dtype string, shape []int, data []byte) error {
	if name == "" || name == metadataKey {
		return fmt.Errorf("invalid tensor name %q", name)
	}
	if slices.ContainsFunc(w.tensors, func(p pending) bool { return p.name == name }) {
		return fmt.Errorf("duplicate tensor %s", name)
	}
	width, err := dtypeSize(dtype)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(data) != n*width {
		return fmt.Errorf("tensor %s: %d bytes for shape %v, want %d", name, len(data), shape, n*width)
	}
	w.tensors = append(w.tensors, pending{name: name, dtype: dtype, shape: slices.Clone(shape), data: data})
	return nil
}

func (w *Writer) header() ([]byte, error) {
	slices.SortFunc(w.tensors, func(a, b pending) int {
		return strings.Compare(a.name, b.name)
	})
	entries := make(map[string]any, len(w.tensors)+1)
	var offset int64
	for _, p := range w.tensors {
		end := offset + int64(len(p.data))
		entries[p.name] = tensorHeader{DType: p.dtype, Shape: p.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	if len(w.metadata) > 0 {
		entries[metadataKey] = w.metadata
	}
	header, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	// Pad with spaces so tensor data starts 8-byte aligned.
	if pad := (8 - len(header)%8) % 8; pad > 0 {
		header = append(header, bytes.Repeat([]byte{' '}, pad)...)
	}
	return header, nil
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header, err := w.header()
	if err != nil {
		return 0, err
	}
	var written int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	for _, chunk := range [][]byte{lenBuf[:], header} {
		n, err := out.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	for _, p := range w.tensors {
		n, err := out.Write(p.data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write tensor %s: %w", p.name, err)
		}
	}
	return written, nil
}

// WriteFile writes the tensors to path, replacing any existing file.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
