package device

import (
	"errors"
	"strconv"
	"strings"
	"sync"
)

// Kind identifies where tensor data is resident.
type Kind int

const (
	CPU Kind = iota
	WebGPU
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

var (
	// ErrDTypeUnsupported is returned when a backend has no arithmetic
	// kernel for the operand dtype. Storage and transfer of any dtype must
	// always work; only compute capability is gated.
	ErrDTypeUnsupported = errors.New("device: dtype not supported by backend kernels")

	// ErrShapeMismatch is returned when operand shapes are incompatible.
	ErrShapeMismatch = errors.New("device: shape mismatch")

	// ErrMixedBackends is returned when the operands of one operation live
	// on different backends.
	ErrMixedBackends = errors.New("device: operands on different backends")
)

// Shape holds tensor dimensions, outermost first.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Elems returns the total element count.
func (s Shape) Elems() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Eq reports whether two shapes are identical.
func (s Shape) Eq(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// BatchDims returns the leading batch dimensions of a stacked matrix
// shape: everything but the trailing two dims.
func (s Shape) BatchDims() Shape {
	if len(s) <= 2 {
		return nil
	}
	return s[:len(s)-2]
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	if len(s) == 0 {
		return "scalar"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// Tensor represents a multi-dimensional array resident on some backend.
// Host extraction methods always return fresh copies.
type Tensor interface {
	Shape() Shape
	DType() DType
	Backend() Backend

	// Float64s returns the tensor contents as float64, regardless of the
	// declared real dtype. Panics if the dtype is complex.
	Float64s() []float64

	// Complex128s returns the tensor contents as complex128. Panics if the
	// dtype is real.
	Complex128s() []complex128
}

// Backend creates tensors, manages device memory and executes the linear
// algebra operations quiver serves.
type Backend interface {
	Name() string
	Kind() Kind

	// Supports reports whether the backend has arithmetic kernels for the
	// dtype. Allocation and transfer must succeed for every dtype even when
	// Supports returns false.
	Supports(dt DType) bool

	// NewTensor allocates a real-dtype tensor. A nil data slice yields a
	// zero tensor; otherwise len(data) must equal shape.Elems().
	NewTensor(shape Shape, dt DType, data []float64) Tensor

	// NewComplex allocates a complex-dtype tensor.
	NewComplex(shape Shape, dt DType, data []complex128) Tensor

	// GetTensor gets a zeroed tensor from the pool or allocates a new one.
	GetTensor(shape Shape, dt DType) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// MatMul multiplies with full broadcasting semantics: 1-D operands are
	// promoted, leading batch dimensions broadcast.
	MatMul(a, b Tensor) (Tensor, error)

	// MM multiplies two 2-D matrices. No broadcasting.
	MM(a, b Tensor) (Tensor, error)

	// BMM multiplies two 3-D batches of matrices with equal batch size.
	BMM(a, b Tensor) (Tensor, error)

	// Einsum evaluates an Einstein summation over the operands.
	Einsum(equation string, operands ...Tensor) (Tensor, error)

	// Synchronize blocks until all queued device work has completed.
	Synchronize()
}

var (
	hostOnce sync.Once
	host     *CPUBackend
)

// Host returns the shared CPU backend used as the fallback target for
// operations an accelerator cannot run.
func Host() *CPUBackend {
	hostOnce.Do(func() {
		host = NewCPUBackend()
	})
	return host
}
