package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"
	"github.com/x448/float16"

	"github.com/samcharles93/sparselt/internal/safetensors"
	"github.com/samcharles93/sparselt/internal/tensor"
)

func writeInputs(t *testing.T, dir string) string {
	t.Helper()
	weight, err := tensor.FromFloat32[float16.Float16](1, 4, 8, []float32{
		1, 0, 2, 0, 0, 3, 0, 4,
		0, 5, 0, 6, 7, 0, 8, 0,
		5, 6, 0, 0, 0, 0, 7, 8,
		0, 0, 1, 1, 1, 1, 0, 0,
	})
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	// Two stacked identities, so the product sums the two halves of each
	// weight row.
	activation, err := tensor.FromFloat32[float16.Float16](1, 8, 4, []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	w := safetensors.NewWriter()
	if err := safetensors.AddMatrix(w, "weight", weight); err != nil {
		t.Fatalf("AddMatrix: %v", err)
	}
	if err := safetensors.AddMatrix(w, "activation", activation); err != nil {
		t.Fatalf("AddMatrix: %v", err)
	}
	path := filepath.Join(dir, "in.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func runApp(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() {
		backendName, hostCaps, hostMemory = "", nil, 0
	})
	app := newApp()
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	return app.Run(context.Background(), append([]string{"sparselt", "--log-format", "text"}, args...))
}

var identityProduct = []float32{
	1, 3, 2, 4,
	7, 5, 8, 6,
	5, 6, 7, 8,
	1, 1, 1, 1,
}

func TestRunWritesJSON(t *testing.T) {
	useConfig(t, "")
	dir := t.TempDir()
	in := writeInputs(t, dir)
	out := filepath.Join(dir, "out.json")

	if err := runApp(t, "run", "--backend", "host", "-i", in, "-o", out); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var got runOutput
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.DType != "f16" || got.Compute != "16f" {
		t.Fatalf("dtype=%s compute=%s, want f16/16f from the weight tensor", got.DType, got.Compute)
	}
	if got.M != 4 || got.N != 4 || got.K != 8 || got.Rows != 4 || got.Cols != 4 {
		t.Fatalf("unexpected shape: %+v", got)
	}
	if diff := cmp.Diff(identityProduct, got.Output); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWritesSafetensorsWithConfig(t *testing.T) {
	useConfig(t, "dtype: f32\nalpha: 2\n")
	dir := t.TempDir()
	in := writeInputs(t, dir)
	out := filepath.Join(dir, "out.safetensors")

	if err := runApp(t, "run", "--backend", "host", "-i", in, "-o", out); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, err := safetensors.Open(out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	info, ok := f.Tensor("output")
	if !ok || info.DType != "F32" {
		t.Fatalf("output tensor = %+v, %v", info, ok)
	}
	got, err := safetensors.ReadMatrix[float32](f, "output")
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	want := make([]float32, len(identityProduct))
	for i, v := range identityProduct {
		want[i] = 2 * v
	}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRejectsUnsupportedDevice(t *testing.T) {
	useConfig(t, "")
	dir := t.TempDir()
	in := writeInputs(t, dir)

	err := runApp(t, "run", "--backend", "host", "--host-capability", "7.5", "-i", in, "-o", filepath.Join(dir, "out.json"))
	if err == nil {
		t.Fatal("expected error for an unsupported device")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.json")); !os.IsNotExist(statErr) {
		t.Fatalf("output written despite failure: %v", statErr)
	}
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		path, format, want string
		wantErr            bool
	}{
		{"", "", "json", false},
		{"out.safetensors", "", "safetensors", false},
		{"out.bin", "safetensors", "safetensors", false},
		{"", "safetensors", "", true},
		{"out.json", "yaml", "", true},
	}
	for _, tc := range tests {
		got, err := resolveFormat(tc.path, tc.format)
		if (err != nil) != tc.wantErr {
			t.Errorf("resolveFormat(%q, %q) error = %v", tc.path, tc.format, err)
		}
		if got != tc.want {
			t.Errorf("resolveFormat(%q, %q) = %q, want %q", tc.path, tc.format, got, tc.want)
		}
	}
}

type closeFailer struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (c *closeFailer) Close() error {
	c.closed = true
	return c.closeErr
}

func TestWriteAndCloseReportsCloseError(t *testing.T) {
	diskFull := errors.New("no space left on device")
	w := &closeFailer{closeErr: diskFull}
	if err := writeAndClose(w, runOutput{ID: "x"}); !errors.Is(err, diskFull) {
		t.Fatalf("writeAndClose = %v, want the close error", err)
	}
	if !w.closed || !strings.Contains(w.String(), `"id": "x"`) {
		t.Fatalf("closed=%v body=%q", w.closed, w.String())
	}

	ok := &closeFailer{}
	if err := writeAndClose(ok, runOutput{}); err != nil {
		t.Fatalf("writeAndClose: %v", err)
	}
}
