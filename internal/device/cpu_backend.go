package device

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/cblas128"

	"github.com/23skdu/longbow-quiver/internal/einsum"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for batched CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend executes every operation in host memory. It supports all
// dtypes and is the fallback target when an accelerator lacks a kernel.
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string { return "CPU" }

func (b *CPUBackend) Kind() Kind { return CPU }

// Supports is unconditionally true: the host has kernels for every dtype.
func (b *CPUBackend) Supports(DType) bool { return true }

func (b *CPUBackend) NewTensor(shape Shape, dt DType, data []float64) Tensor {
	if dt.IsComplex() {
		panic("NewTensor: complex dtype requires NewComplex")
	}
	size := shape.Elems()
	t := &CPUTensor{
		backend: b,
		shape:   shape.Clone(),
		dtype:   dt,
		re:      make([]float64, size),
	}
	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match shape")
		}
		copy(t.re, data)
	}
	return t
}

func (b *CPUBackend) NewComplex(shape Shape, dt DType, data []complex128) Tensor {
	if !dt.IsComplex() {
		panic("NewComplex: real dtype requires NewTensor")
	}
	size := shape.Elems()
	t := &CPUTensor{
		backend: b,
		shape:   shape.Clone(),
		dtype:   dt,
		cx:      make([]complex128, size),
	}
	if data != nil {
		if len(data) != size {
			panic("NewComplex: provided data length does not match shape")
		}
		copy(t.cx, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(shape Shape, dt DType) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.shape = shape.Clone()
	ct.dtype = dt
	size := shape.Elems()

	if dt.IsComplex() {
		if cap(ct.cx) < size {
			ct.cx = make([]complex128, size)
			poolMisses.Inc()
		} else {
			ct.cx = ct.cx[:size]
			for i := range ct.cx {
				ct.cx[i] = 0
			}
			poolHits.Inc()
		}
		ct.re = nil
		return ct
	}

	if cap(ct.re) < size {
		ct.re = make([]float64, size)
		poolMisses.Inc()
	} else {
		ct.re = ct.re[:size]
		for i := range ct.re {
			ct.re[i] = 0
		}
		poolHits.Inc()
	}
	ct.cx = nil
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}
	ct.shape = nil
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

// CPUTensor stores real elements widened to float64 and complex elements
// widened to complex128. Float32/Complex64 widen losslessly; the declared
// dtype is kept for transfer and wire encoding.
type CPUTensor struct {
	backend *CPUBackend
	shape   Shape
	dtype   DType
	re      []float64
	cx      []complex128
}

func (t *CPUTensor) Shape() Shape     { return t.shape }
func (t *CPUTensor) DType() DType     { return t.dtype }
func (t *CPUTensor) Backend() Backend { return t.backend }

func (t *CPUTensor) Float64s() []float64 {
	if t.dtype.IsComplex() {
		panic("Float64s called on complex tensor")
	}
	out := make([]float64, len(t.re))
	copy(out, t.re)
	return out
}

func (t *CPUTensor) Complex128s() []complex128 {
	if !t.dtype.IsComplex() {
		panic("Complex128s called on real tensor")
	}
	out := make([]complex128, len(t.cx))
	copy(out, t.cx)
	return out
}

// asCPU validates that the operand belongs to this backend.
func (b *CPUBackend) asCPU(t Tensor) (*CPUTensor, error) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return nil, fmt.Errorf("%w: expected CPU tensor, got %s", ErrMixedBackends, t.Backend().Name())
	}
	return ct, nil
}

// complexData widens a real operand when it participates in a complex op.
func (t *CPUTensor) complexData() []complex128 {
	if t.dtype.IsComplex() {
		return t.cx
	}
	out := make([]complex128, len(t.re))
	for i, v := range t.re {
		out[i] = complex(v, 0)
	}
	return out
}

func gemm(a, b, c []float64, m, k, n int) {
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas64.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: c})
}

func gemmCmplx(a, b, c []complex128, m, k, n int) {
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1,
		cblas128.General{Rows: m, Cols: k, Stride: k, Data: a},
		cblas128.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		cblas128.General{Rows: m, Cols: n, Stride: n, Data: c})
}

// MM multiplies two 2-D matrices through BLAS.
func (b *CPUBackend) MM(x, y Tensor) (Tensor, error) {
	if x.Shape().Rank() != 2 || y.Shape().Rank() != 2 {
		return nil, fmt.Errorf("%w: mm expects 2-D operands, got %v and %v", ErrShapeMismatch, x.Shape(), y.Shape())
	}
	return b.MatMul(x, y)
}

// BMM multiplies two 3-D batches with equal batch dimension.
func (b *CPUBackend) BMM(x, y Tensor) (Tensor, error) {
	sx, sy := x.Shape(), y.Shape()
	if sx.Rank() != 3 || sy.Rank() != 3 {
		return nil, fmt.Errorf("%w: bmm expects 3-D operands, got %v and %v", ErrShapeMismatch, sx, sy)
	}
	if sx[0] != sy[0] {
		return nil, fmt.Errorf("%w: bmm batch dims %d and %d differ", ErrShapeMismatch, sx[0], sy[0])
	}
	return b.MatMul(x, y)
}

// MatMul executes a broadcasted batched matrix multiply. The 2-D core of
// each batch entry goes through gonum BLAS; batches are split across
// workers.
func (b *CPUBackend) MatMul(x, y Tensor) (Tensor, error) {
	xt, err := b.asCPU(x)
	if err != nil {
		return nil, err
	}
	yt, err := b.asCPU(y)
	if err != nil {
		return nil, err
	}

	plan, err := resolveMatMul(xt.shape, yt.shape)
	if err != nil {
		return nil, err
	}

	outDT := Promote(xt.dtype, yt.dtype)

	// Vector dot product short-circuit.
	if xt.shape.Rank() == 1 && yt.shape.Rank() == 1 {
		if outDT.IsComplex() {
			v := simd.DotProductCmplx(xt.complexData(), yt.complexData())
			return b.NewComplex(Shape{}, outDT, []complex128{v}), nil
		}
		v := simd.DotProduct(xt.re, yt.re)
		return b.NewTensor(Shape{}, outDT, []float64{v}), nil
	}

	batches := plan.batchElems()
	matA := plan.m * plan.k
	matB := plan.k * plan.n
	matC := plan.m * plan.n

	if outDT.IsComplex() {
		da, db := xt.complexData(), yt.complexData()
		out := make([]complex128, batches*matC)
		b.eachBatch(batches, func(i int) {
			oa := opBatchOffset(plan.batch, plan.batchA, i) * matA
			ob := opBatchOffset(plan.batch, plan.batchB, i) * matB
			gemmCmplx(da[oa:oa+matA], db[ob:ob+matB], out[i*matC:(i+1)*matC], plan.m, plan.k, plan.n)
		})
		return b.NewComplex(plan.outShape, outDT, out), nil
	}

	out := make([]float64, batches*matC)
	b.eachBatch(batches, func(i int) {
		oa := opBatchOffset(plan.batch, plan.batchA, i) * matA
		ob := opBatchOffset(plan.batch, plan.batchB, i) * matB
		gemm(xt.re[oa:oa+matA], yt.re[ob:ob+matB], out[i*matC:(i+1)*matC], plan.m, plan.k, plan.n)
	})
	return b.NewTensor(plan.outShape, outDT, out), nil
}

// eachBatch splits n batch entries across the worker pool.
func (b *CPUBackend) eachBatch(n int, fn func(i int)) {
	workers := numWorkers
	if n < workers {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Einsum parses the equation (plans are cached) and runs the shared
// contraction executor. Real operands are widened when any operand is
// complex.
func (b *CPUBackend) Einsum(equation string, operands ...Tensor) (Tensor, error) {
	if len(operands) == 0 {
		return nil, fmt.Errorf("einsum: no operands")
	}

	cts := make([]*CPUTensor, len(operands))
	shapes := make([][]int, len(operands))
	outDT := operands[0].DType()
	for i, op := range operands {
		ct, err := b.asCPU(op)
		if err != nil {
			return nil, err
		}
		cts[i] = ct
		shapes[i] = ct.shape
		outDT = Promote(outDT, ct.dtype)
	}

	plan, err := einsum.Parse(equation, shapes)
	if err != nil {
		return nil, err
	}

	if outDT.IsComplex() {
		data := make([][]complex128, len(cts))
		for i, ct := range cts {
			data[i] = ct.complexData()
		}
		return b.NewComplex(Shape(plan.OutShape), outDT, einsum.Contract(plan, data)), nil
	}

	data := make([][]float64, len(cts))
	for i, ct := range cts {
		data[i] = ct.re
	}
	return b.NewTensor(Shape(plan.OutShape), outDT, einsum.Contract(plan, data)), nil
}
