package device

import (
	"math"
	"testing"
)

func TestFloat16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, 2.5, 100, -100, 1024, 65504}
	for _, v := range cases {
		got := Float16ToFloat32(Float32ToFloat16(v))
		if math.Abs(float64(got-v)) > math.Abs(float64(v))*0.001 {
			t.Errorf("Round trip of %v gave %v", v, got)
		}
	}
}

func TestFloat16Edges(t *testing.T) {
	t.Run("NaN", func(t *testing.T) {
		h := Float32ToFloat16(float32(math.NaN()))
		if !math.IsNaN(float64(Float16ToFloat32(h))) {
			t.Error("NaN not preserved")
		}
	})

	t.Run("Inf", func(t *testing.T) {
		h := Float32ToFloat16(float32(math.Inf(1)))
		if !math.IsInf(float64(Float16ToFloat32(h)), 1) {
			t.Error("+Inf not preserved")
		}
		h = Float32ToFloat16(float32(math.Inf(-1)))
		if !math.IsInf(float64(Float16ToFloat32(h)), -1) {
			t.Error("-Inf not preserved")
		}
	})

	t.Run("OverflowClamps", func(t *testing.T) {
		got := Float16ToFloat32(Float32ToFloat16(1e10))
		if math.IsInf(float64(got), 0) || math.IsNaN(float64(got)) {
			t.Errorf("Overflow should clamp, got %v", got)
		}
		if got < 65000 {
			t.Errorf("Expected clamp near max fp16, got %v", got)
		}
	})

	t.Run("SubnormalFlushesToZero", func(t *testing.T) {
		if got := Float16ToFloat32(Float32ToFloat16(1e-8)); got != 0 {
			t.Errorf("Expected 0, got %v", got)
		}
	})
}

func TestComplexInterleave(t *testing.T) {
	in := []complex128{1 + 2i, -3 - 4i, 0}

	packed := interleaveComplex(in)
	if len(packed) != 6 {
		t.Fatalf("Expected 6 floats, got %d", len(packed))
	}
	if packed[0] != 1 || packed[1] != 2 || packed[2] != -3 || packed[3] != -4 {
		t.Errorf("Bad interleave: %v", packed)
	}

	out := deinterleaveComplex(packed)
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Round trip mismatch at %d: %v != %v", i, out[i], in[i])
		}
	}
}

func TestWidenNarrow(t *testing.T) {
	f64 := []float64{1.5, -2.25, 0}
	f32 := narrowToF32(f64)
	back := widenToF64(f32)
	for i := range f64 {
		if back[i] != f64[i] {
			t.Errorf("Mismatch at %d: %v != %v", i, back[i], f64[i])
		}
	}
}
