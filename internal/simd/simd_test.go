package simd

import (
	"math"
	"testing"
)

func TestDotProduct(t *testing.T) {
	t.Run("Basic", func(t *testing.T) {
		a := []float64{1, 2, 3, 4, 5}
		b := []float64{5, 4, 3, 2, 1}
		if got := DotProduct(a, b); got != 35 {
			t.Errorf("Expected 35, got %v", got)
		}
	})

	t.Run("UnrollRemainder", func(t *testing.T) {
		// Lengths around the unroll width.
		for n := 0; n < 10; n++ {
			a := make([]float64, n)
			b := make([]float64, n)
			want := 0.0
			for i := 0; i < n; i++ {
				a[i] = float64(i + 1)
				b[i] = float64(2 * (i + 1))
				want += a[i] * b[i]
			}
			if got := DotProduct(a, b); math.Abs(got-want) > 1e-12 {
				t.Errorf("n=%d: expected %v, got %v", n, want, got)
			}
		}
	})
}

func TestDotProductCmplx(t *testing.T) {
	a := []complex128{1 + 1i, 2, 3i}
	b := []complex128{1 - 1i, 1i, 2}

	// Unconjugated: (1+i)(1-i) + 2i + 6i = 2 + 8i
	want := complex(2, 8)
	if got := DotProductCmplx(a, b); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
