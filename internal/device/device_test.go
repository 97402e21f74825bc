package device

import (
	"errors"
	"math"
	"testing"
)

func almostEq(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func almostEqCmplx(a, b []complex128, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if real(a[i]-b[i]) > tol || imag(a[i]-b[i]) > tol ||
			real(b[i]-a[i]) > tol || imag(b[i]-a[i]) > tol {
			return false
		}
	}
	return true
}

func TestCPUMM(t *testing.T) {
	b := NewCPUBackend()

	t.Run("Real2x2", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2}, Float64, []float64{1, 2, 3, 4})
		y := b.NewTensor(Shape{2, 2}, Float64, []float64{5, 6, 7, 8})

		res, err := b.MM(x, y)
		if err != nil {
			t.Fatalf("MM failed: %v", err)
		}
		if !res.Shape().Eq(Shape{2, 2}) {
			t.Errorf("Expected shape 2x2, got %v", res.Shape())
		}
		want := []float64{19, 22, 43, 50}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("Complex", func(t *testing.T) {
		x := b.NewComplex(Shape{2, 2}, Complex128, []complex128{1 + 1i, 0, 0, 1 - 1i})
		y := b.NewComplex(Shape{2, 2}, Complex128, []complex128{2, 3i, -1i, 4})

		res, err := b.MM(x, y)
		if err != nil {
			t.Fatalf("MM failed: %v", err)
		}
		want := []complex128{2 + 2i, -3 + 3i, -1 - 1i, 4 - 4i}
		if !almostEqCmplx(res.Complex128s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Complex128s())
		}
	})

	t.Run("MixedDTypePromotes", func(t *testing.T) {
		x := b.NewTensor(Shape{1, 2}, Float64, []float64{1, 2})
		y := b.NewComplex(Shape{2, 1}, Complex64, []complex128{1i, 1})

		res, err := b.MM(x, y)
		if err != nil {
			t.Fatalf("MM failed: %v", err)
		}
		if res.DType() != Complex64 {
			t.Errorf("Expected complex64 result, got %v", res.DType())
		}
		want := []complex128{2 + 1i}
		if !almostEqCmplx(res.Complex128s(), want, 1e-6) {
			t.Errorf("Expected %v, got %v", want, res.Complex128s())
		}
	})

	t.Run("RejectsNon2D", func(t *testing.T) {
		x := b.NewTensor(Shape{2}, Float64, []float64{1, 2})
		y := b.NewTensor(Shape{2, 2}, Float64, nil)
		if _, err := b.MM(x, y); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("RejectsInnerDimMismatch", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 3}, Float64, nil)
		y := b.NewTensor(Shape{2, 2}, Float64, nil)
		if _, err := b.MM(x, y); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestCPUBMM(t *testing.T) {
	b := NewCPUBackend()

	t.Run("TwoBatches", func(t *testing.T) {
		// Batch 0: identity, batch 1: doubling.
		x := b.NewTensor(Shape{2, 2, 2}, Float64, []float64{
			1, 0, 0, 1,
			2, 0, 0, 2,
		})
		y := b.NewTensor(Shape{2, 2, 2}, Float64, []float64{
			1, 2, 3, 4,
			1, 2, 3, 4,
		})

		res, err := b.BMM(x, y)
		if err != nil {
			t.Fatalf("BMM failed: %v", err)
		}
		if !res.Shape().Eq(Shape{2, 2, 2}) {
			t.Errorf("Expected shape 2x2x2, got %v", res.Shape())
		}
		want := []float64{1, 2, 3, 4, 2, 4, 6, 8}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("RejectsBatchMismatch", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2, 2}, Float64, nil)
		y := b.NewTensor(Shape{3, 2, 2}, Float64, nil)
		if _, err := b.BMM(x, y); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("RejectsNon3D", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2}, Float64, nil)
		y := b.NewTensor(Shape{2, 2, 2}, Float64, nil)
		if _, err := b.BMM(x, y); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestCPUMatMulBroadcast(t *testing.T) {
	b := NewCPUBackend()

	t.Run("VectorDot", func(t *testing.T) {
		x := b.NewTensor(Shape{3}, Float64, []float64{1, 2, 3})
		y := b.NewTensor(Shape{3}, Float64, []float64{4, 5, 6})

		res, err := b.MatMul(x, y)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if res.Shape().Rank() != 0 {
			t.Errorf("Expected scalar, got %v", res.Shape())
		}
		if got := res.Float64s()[0]; got != 32 {
			t.Errorf("Expected 32, got %v", got)
		}
	})

	t.Run("VectorTimesMatrix", func(t *testing.T) {
		x := b.NewTensor(Shape{2}, Float64, []float64{1, 2})
		y := b.NewTensor(Shape{2, 3}, Float64, []float64{1, 2, 3, 4, 5, 6})

		res, err := b.MatMul(x, y)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if !res.Shape().Eq(Shape{3}) {
			t.Errorf("Expected shape 3, got %v", res.Shape())
		}
		want := []float64{9, 12, 15}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("MatrixTimesVector", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 3}, Float64, []float64{1, 2, 3, 4, 5, 6})
		y := b.NewTensor(Shape{3}, Float64, []float64{1, 1, 1})

		res, err := b.MatMul(x, y)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if !res.Shape().Eq(Shape{2}) {
			t.Errorf("Expected shape 2, got %v", res.Shape())
		}
		want := []float64{6, 15}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("BatchAgainstSingleMatrix", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2, 2}, Float64, []float64{
			1, 2, 3, 4,
			5, 6, 7, 8,
		})
		y := b.NewTensor(Shape{2, 2}, Float64, []float64{1, 0, 0, 1})

		res, err := b.MatMul(x, y)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if !res.Shape().Eq(Shape{2, 2, 2}) {
			t.Errorf("Expected shape 2x2x2, got %v", res.Shape())
		}
		want := []float64{1, 2, 3, 4, 5, 6, 7, 8}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("BroadcastBothBatchDims", func(t *testing.T) {
		// [2,1,1,2] @ [3,2,1] -> [2,3,1,1]
		x := b.NewTensor(Shape{2, 1, 1, 2}, Float64, []float64{1, 2, 3, 4})
		y := b.NewTensor(Shape{3, 2, 1}, Float64, []float64{1, 1, 2, 2, 3, 3})

		res, err := b.MatMul(x, y)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if !res.Shape().Eq(Shape{2, 3, 1, 1}) {
			t.Errorf("Expected shape 2x3x1x1, got %v", res.Shape())
		}
		want := []float64{3, 6, 9, 7, 14, 21}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("RejectsIncompatibleBatch", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2, 2}, Float64, nil)
		y := b.NewTensor(Shape{3, 2, 2}, Float64, nil)
		if _, err := b.MatMul(x, y); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestCPUEinsum(t *testing.T) {
	b := NewCPUBackend()

	t.Run("MatMulEquation", func(t *testing.T) {
		x := b.NewTensor(Shape{2, 2}, Float64, []float64{1, 2, 3, 4})
		y := b.NewTensor(Shape{2, 2}, Float64, []float64{5, 6, 7, 8})

		res, err := b.Einsum("ij,jk->ik", x, y)
		if err != nil {
			t.Fatalf("Einsum failed: %v", err)
		}
		want := []float64{19, 22, 43, 50}
		if !almostEq(res.Float64s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Float64s())
		}
	})

	t.Run("ComplexContraction", func(t *testing.T) {
		x := b.NewComplex(Shape{2}, Complex128, []complex128{1 + 1i, 2})
		y := b.NewComplex(Shape{2}, Complex128, []complex128{1i, 3})

		// Unconjugated contraction: (1+i)*i + 2*3 = 5+i
		res, err := b.Einsum("i,i->", x, y)
		if err != nil {
			t.Fatalf("Einsum failed: %v", err)
		}
		want := []complex128{5 + 1i}
		if !almostEqCmplx(res.Complex128s(), want, 1e-12) {
			t.Errorf("Expected %v, got %v", want, res.Complex128s())
		}
	})
}

func TestTensorPool(t *testing.T) {
	b := NewCPUBackend()

	t.Run("ReturnsZeroed", func(t *testing.T) {
		t1 := b.GetTensor(Shape{4}, Float64).(*CPUTensor)
		for i := range t1.re {
			t1.re[i] = 99
		}
		b.PutTensor(t1)

		t2 := b.GetTensor(Shape{4}, Float64)
		for i, v := range t2.Float64s() {
			if v != 0 {
				t.Errorf("Element %d not zeroed: %v", i, v)
			}
		}
	})

	t.Run("ComplexReuse", func(t *testing.T) {
		t1 := b.GetTensor(Shape{2, 2}, Complex128)
		if !t1.Shape().Eq(Shape{2, 2}) || t1.DType() != Complex128 {
			t.Errorf("Wrong shape/dtype: %v %v", t1.Shape(), t1.DType())
		}
		b.PutTensor(t1)

		t2 := b.GetTensor(Shape{2}, Complex128)
		for i, v := range t2.Complex128s() {
			if v != 0 {
				t.Errorf("Element %d not zeroed: %v", i, v)
			}
		}
	})
}

func TestHostSingleton(t *testing.T) {
	if Host() != Host() {
		t.Error("Host must return the same backend instance")
	}
	if Host().Kind() != CPU {
		t.Error("Host must be the CPU backend")
	}
	if !Host().Supports(Complex128) {
		t.Error("Host must support every dtype")
	}
}
