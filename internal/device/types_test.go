package device

import "testing"

func TestMatDescIndexAndBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		desc      MatDesc
		b, r, c   int64
		wantIndex int64
		wantBytes int64
	}{
		{
			name:      "row major",
			desc:      MatDesc{Rows: 4, Cols: 8, Ld: 8, Type: DataF16, Order: OrderRow, Batches: 1},
			r:         2,
			c:         3,
			wantIndex: 19,
			wantBytes: 64,
		},
		{
			name:      "col major",
			desc:      MatDesc{Rows: 4, Cols: 8, Ld: 4, Type: DataF32, Order: OrderCol, Batches: 1},
			r:         2,
			c:         3,
			wantIndex: 14,
			wantBytes: 128,
		},
		{
			name:      "batched",
			desc:      MatDesc{Rows: 2, Cols: 4, Ld: 4, Type: DataF32, Order: OrderRow, Batches: 3, BatchStride: 8},
			b:         2,
			r:         1,
			c:         1,
			wantIndex: 21,
			wantBytes: 96,
		},
		{
			name:      "broadcast",
			desc:      MatDesc{Rows: 2, Cols: 4, Ld: 4, Type: DataF32, Order: OrderRow, Batches: 3, BatchStride: 0},
			b:         2,
			r:         1,
			c:         1,
			wantIndex: 5,
			wantBytes: 32,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.desc.Index(tc.b, tc.r, tc.c); got != tc.wantIndex {
				t.Errorf("Index: got %d want %d", got, tc.wantIndex)
			}
			if got := tc.desc.Bytes(); got != tc.wantBytes {
				t.Errorf("Bytes: got %d want %d", got, tc.wantBytes)
			}
		})
	}
}

func TestComputeSupports(t *testing.T) {
	t.Parallel()
	if !Compute16F.Supports(DataF16) || !Compute32F.Supports(DataF16) {
		t.Fatal("f16 compute types rejected")
	}
	if Compute16F.Supports(DataF32) {
		t.Fatal("16f compute accepted f32 inputs")
	}
	if !ComputeTF32.Supports(DataF32) || ComputeTF32.Supports(DataF16) {
		t.Fatal("tf32 support mismatch")
	}
	if DefaultCompute(DataF16) != Compute16F || DefaultCompute(DataF32) != ComputeTF32 {
		t.Fatal("unexpected default compute types")
	}
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()
	if o, err := ParseOrder("column-major"); err != nil || o != OrderCol {
		t.Fatalf("ParseOrder: %v %v", o, err)
	}
	if _, err := ParseOrder("diagonal"); err == nil {
		t.Fatal("expected error for unknown order")
	}
	if p, err := ParsePruneAlg("tile"); err != nil || p != PruneTile {
		t.Fatalf("ParsePruneAlg: %v %v", p, err)
	}
	c, err := ParseCapability("8.6")
	if err != nil || c != (Capability{Major: 8, Minor: 6}) {
		t.Fatalf("ParseCapability: %v %v", c, err)
	}
	if _, err := ParseCapability("eight"); err == nil {
		t.Fatal("expected error for bad capability")
	}
	for _, want := range []ComputeType{Compute16F, Compute32F, ComputeTF32, ComputeTF32Fast} {
		got, err := ParseCompute(want.String())
		if err != nil || got != want {
			t.Fatalf("ParseCompute(%q) = %v, %v", want.String(), got, err)
		}
	}
	if _, err := ParseCompute("int8"); err == nil {
		t.Fatal("expected error for unknown compute type")
	}
}
