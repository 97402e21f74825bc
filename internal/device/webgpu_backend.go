package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ensure interface compliance
var _ Backend = (*WebGPUBackend)(nil)
var _ Tensor = (*GPUTensor)(nil)

// WebGPUBackend runs float32 matrix kernels on the GPU through WebGPU.
// WGSL has no complex number type, so complex tensors are storable
// (interleaved re/im float pairs) but have no arithmetic kernels: Supports
// returns false for them and the op wrappers reroute through the host.
//
// float64 operands are accepted and staged down to device f32 precision.
type WebGPUBackend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string

	// matmul pipelines cached per baked dimension set
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.Mutex
}

// NewWebGPUBackend initializes the GPU adapter, device and queue. It fails
// cleanly when no adapter is available (headless hosts, missing native
// library).
func NewWebGPUBackend() (b *WebGPUBackend, err error) {
	// The native wgpu library panics rather than erroring when absent.
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, fmt.Errorf("webgpu: failed to create instance")
	}

	adapter, aerr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if aerr != nil || adapter == nil {
		adapter, aerr = instance.RequestAdapter(nil)
	}
	if aerr != nil || adapter == nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: no adapter available: %v", aerr)
	}

	dev, derr := adapter.RequestDevice(nil)
	if derr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", derr)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	info := adapter.GetInfo()
	return &WebGPUBackend{
		instance:  instance,
		adapter:   adapter,
		device:    dev,
		queue:     queue,
		name:      fmt.Sprintf("WebGPU (%s)", info.Name),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}, nil
}

// WebGPUAvailable probes for a usable adapter so callers can fall back to
// the CPU backend on hosts without a GPU.
func WebGPUAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil || adapter == nil {
		return false
	}
	adapter.Release()
	return true
}

// Release frees all GPU resources held by the backend.
func (b *WebGPUBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pipelines {
		p.Release()
	}
	b.pipelines = nil

	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func (b *WebGPUBackend) Name() string { return b.name }

func (b *WebGPUBackend) Kind() Kind { return WebGPU }

// Supports reports compute capability: every real dtype runs in f32 on
// device, complex dtypes have no kernels.
func (b *WebGPUBackend) Supports(dt DType) bool { return !dt.IsComplex() }

func (b *WebGPUBackend) Synchronize() {
	b.device.Poll(true, nil)
}

func (b *WebGPUBackend) NewTensor(shape Shape, dt DType, data []float64) Tensor {
	if dt.IsComplex() {
		panic("NewTensor: complex dtype requires NewComplex")
	}
	size := shape.Elems()
	if data != nil && len(data) != size {
		panic("NewTensor: provided data length does not match shape")
	}
	var f32 []float32
	if data != nil {
		f32 = narrowToF32(data)
	}
	return b.newDeviceTensor(shape, dt, f32, size)
}

func (b *WebGPUBackend) NewComplex(shape Shape, dt DType, data []complex128) Tensor {
	if !dt.IsComplex() {
		panic("NewComplex: real dtype requires NewTensor")
	}
	size := shape.Elems()
	if data != nil && len(data) != size {
		panic("NewComplex: provided data length does not match shape")
	}
	var f32 []float32
	if data != nil {
		f32 = interleaveComplex(data)
	}
	return b.newDeviceTensor(shape, dt, f32, 2*size)
}

func (b *WebGPUBackend) newDeviceTensor(shape Shape, dt DType, f32 []float32, f32len int) Tensor {
	var buf *wgpu.Buffer
	var err error
	if f32 != nil {
		buf, err = b.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Contents: wgpu.ToBytes(f32),
			Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
		deviceTransfers.WithLabelValues("h2d").Inc()
		deviceTransferBytes.WithLabelValues("h2d").Add(float64(4 * f32len))
	} else {
		// WebGPU zero-initializes fresh buffers.
		buf, err = b.device.CreateBuffer(&wgpu.BufferDescriptor{
			Size:  bufferBytes(f32len),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		})
	}
	if err != nil {
		panic("webgpu: buffer allocation failed: " + err.Error())
	}
	return &GPUTensor{
		backend: b,
		shape:   shape.Clone(),
		dtype:   dt,
		buf:     buf,
		f32len:  f32len,
	}
}

// bufferBytes pads the allocation so zero-element tensors still get a valid
// buffer.
func bufferBytes(f32len int) uint64 {
	if f32len < 1 {
		f32len = 1
	}
	return uint64(4 * f32len)
}

func (b *WebGPUBackend) GetTensor(shape Shape, dt DType) Tensor {
	if dt.IsComplex() {
		return b.NewComplex(shape, dt, nil)
	}
	return b.NewTensor(shape, dt, nil)
}

func (b *WebGPUBackend) PutTensor(t Tensor) {
	gt, ok := t.(*GPUTensor)
	if !ok {
		return
	}
	// No device buffer pooling yet; release VRAM eagerly.
	gt.buf.Destroy()
	gt.buf = nil
}

func (b *WebGPUBackend) asGPU(t Tensor) (*GPUTensor, error) {
	gt, ok := t.(*GPUTensor)
	if !ok {
		return nil, fmt.Errorf("%w: expected WebGPU tensor, got %s", ErrMixedBackends, t.Backend().Name())
	}
	return gt, nil
}

func (b *WebGPUBackend) MM(x, y Tensor) (Tensor, error) {
	if x.Shape().Rank() != 2 || y.Shape().Rank() != 2 {
		return nil, fmt.Errorf("%w: mm expects 2-D operands, got %v and %v", ErrShapeMismatch, x.Shape(), y.Shape())
	}
	return b.MatMul(x, y)
}

func (b *WebGPUBackend) BMM(x, y Tensor) (Tensor, error) {
	sx, sy := x.Shape(), y.Shape()
	if sx.Rank() != 3 || sy.Rank() != 3 {
		return nil, fmt.Errorf("%w: bmm expects 3-D operands, got %v and %v", ErrShapeMismatch, sx, sy)
	}
	if sx[0] != sy[0] {
		return nil, fmt.Errorf("%w: bmm batch dims %d and %d differ", ErrShapeMismatch, sx[0], sy[0])
	}
	return b.MatMul(x, y)
}

// MatMul dispatches the batched matmul shader. Operand batch broadcasting
// is handled by a baked per-operand batch stride when one side is a single
// matrix; irregular broadcasts materialize the expanded operand through the
// host first.
func (b *WebGPUBackend) MatMul(x, y Tensor) (Tensor, error) {
	xt, err := b.asGPU(x)
	if err != nil {
		return nil, err
	}
	yt, err := b.asGPU(y)
	if err != nil {
		return nil, err
	}
	if xt.dtype.IsComplex() || yt.dtype.IsComplex() {
		return nil, fmt.Errorf("%w: %s has no complex matmul kernel", ErrDTypeUnsupported, b.name)
	}

	plan, err := resolveMatMul(xt.shape, yt.shape)
	if err != nil {
		return nil, err
	}

	batches := plan.batchElems()
	matA := plan.m * plan.k
	matB := plan.k * plan.n

	strideA, xt, err := b.batchStride(xt, plan.batch, plan.batchA, matA)
	if err != nil {
		return nil, err
	}
	strideB, yt, err := b.batchStride(yt, plan.batch, plan.batchB, matB)
	if err != nil {
		return nil, err
	}

	outDT := Promote(xt.dtype, yt.dtype)
	return b.dispatchMatMul(xt, yt, plan, batches, strideA, strideB, outDT)
}

// batchStride resolves the per-batch element stride of one operand: 0 when
// the operand holds a single broadcast matrix, matSize when its batch dims
// align with the broadcast batch, otherwise the operand is expanded via the
// host.
func (b *WebGPUBackend) batchStride(t *GPUTensor, batch, opBatch Shape, matSize int) (int, *GPUTensor, error) {
	switch {
	case opBatch.Elems() == 1:
		return 0, t, nil
	case opBatch.Eq(batch):
		return matSize, t, nil
	default:
		expanded, err := b.expandOnHost(t, batch, opBatch, matSize)
		if err != nil {
			return 0, nil, err
		}
		return matSize, expanded, nil
	}
}

// expandOnHost materializes a broadcast operand into a contiguous
// [batch, ...mat] tensor. Rare path: only hit when both operands carry
// batch dims that broadcast against each other.
func (b *WebGPUBackend) expandOnHost(t *GPUTensor, batch, opBatch Shape, matSize int) (*GPUTensor, error) {
	src, err := b.readBuffer(t.buf, t.f32len)
	if err != nil {
		return nil, err
	}
	batches := batch.Elems()
	dst := make([]float32, batches*matSize)
	for i := 0; i < batches; i++ {
		off := opBatchOffset(batch, opBatch, i) * matSize
		copy(dst[i*matSize:(i+1)*matSize], src[off:off+matSize])
	}
	shape := append(batch.Clone(), t.shape[len(t.shape)-2:]...)
	return b.newDeviceTensor(shape, t.dtype, dst, len(dst)).(*GPUTensor), nil
}

const matmulShaderTmpl = `
@group(0) @binding(0) var<storage, read> a : array<f32>;
@group(0) @binding(1) var<storage, read> b : array<f32>;
@group(0) @binding(2) var<storage, read_write> output : array<f32>;

const M: u32 = %du;
const N: u32 = %du;
const K: u32 = %du;
const BATCHES: u32 = %du;
const STRIDE_A: u32 = %du;
const STRIDE_B: u32 = %du;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.x;
	if (idx >= BATCHES * M * N) {
		return;
	}
	let batch = idx / (M * N);
	let rem = idx %% (M * N);
	let row = rem / N;
	let col = rem %% N;

	let aoff = batch * STRIDE_A + row * K;
	let boff = batch * STRIDE_B;

	var acc: f32 = 0.0;
	for (var t: u32 = 0u; t < K; t = t + 1u) {
		acc = acc + a[aoff + t] * b[boff + t * N + col];
	}
	output[idx] = acc;
}
`

// matmulPipeline compiles (or returns the cached) pipeline for one baked
// dimension set.
func (b *WebGPUBackend) matmulPipeline(m, n, k, batches, strideA, strideB int) (*wgpu.ComputePipeline, error) {
	key := fmt.Sprintf("matmul_%d_%d_%d_%d_%d_%d", m, n, k, batches, strideA, strideB)

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pipelines[key]; ok {
		return p, nil
	}

	code := fmt.Sprintf(matmulShaderTmpl, m, n, k, batches, strideA, strideB)
	module, err := b.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          key,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: shader compile: %w", err)
	}
	defer module.Release()

	pipeline, err := b.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: key,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: pipeline create: %w", err)
	}
	b.pipelines[key] = pipeline
	return pipeline, nil
}

func (b *WebGPUBackend) dispatchMatMul(xt, yt *GPUTensor, plan *matMulPlan, batches, strideA, strideB int, outDT DType) (Tensor, error) {
	pipeline, err := b.matmulPipeline(plan.m, plan.n, plan.k, batches, strideA, strideB)
	if err != nil {
		return nil, err
	}

	total := batches * plan.m * plan.n
	out := b.newDeviceTensor(plan.outShape, outDT, nil, total).(*GPUTensor)

	bindGroup, err := b.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: xt.buf, Size: xt.buf.GetSize()},
			{Binding: 1, Buffer: yt.buf, Size: yt.buf.GetSize()},
			{Binding: 2, Buffer: out.buf, Size: out.buf.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: bind group: %w", err)
	}

	enc, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32((total+255)/256), 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: encoder finish: %w", err)
	}
	b.queue.Submit(cmd)

	return out, nil
}

// Einsum has no general device kernel. The two canonical matrix-product
// equations dispatch the matmul shader; every other real-dtype equation
// stages through the shared host executor and uploads the result.
func (b *WebGPUBackend) Einsum(equation string, operands ...Tensor) (Tensor, error) {
	if len(operands) == 0 {
		return nil, fmt.Errorf("einsum: no operands")
	}
	for _, op := range operands {
		if op.DType().IsComplex() {
			return nil, fmt.Errorf("%w: %s has no complex einsum kernel", ErrDTypeUnsupported, b.name)
		}
		if _, err := b.asGPU(op); err != nil {
			return nil, err
		}
	}

	if len(operands) == 2 {
		switch strings.ReplaceAll(equation, " ", "") {
		case "ij,jk->ik":
			return b.MM(operands[0], operands[1])
		case "bij,bjk->bik":
			return b.BMM(operands[0], operands[1])
		}
	}

	host := Host()
	staged := make([]Tensor, len(operands))
	for i, op := range operands {
		staged[i] = host.NewTensor(op.Shape(), op.DType(), op.Float64s())
	}
	res, err := host.Einsum(equation, staged...)
	if err != nil {
		return nil, err
	}
	return b.NewTensor(res.Shape(), res.DType(), res.Float64s()), nil
}

// readBuffer copies a storage buffer into host memory through a MapRead
// staging buffer.
func (b *WebGPUBackend) readBuffer(buf *wgpu.Buffer, f32len int) ([]float32, error) {
	sizeBytes := bufferBytes(f32len)

	staging, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: staging buffer: %w", err)
	}
	defer staging.Destroy()

	enc, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(buf, 0, staging, 0, sizeBytes)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: encoder finish: %w", err)
	}
	b.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("webgpu: map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: MapAsync: %w", err)
	}

	timeout := time.After(2 * time.Second)
Loop:
	for {
		b.device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("webgpu: readback timed out after 2s")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("webgpu: failed to get mapped range")
	}
	result := make([]float32, f32len)
	copy(result, wgpu.FromBytes[float32](data))
	staging.Unmap()

	deviceTransfers.WithLabelValues("d2h").Inc()
	deviceTransferBytes.WithLabelValues("d2h").Add(float64(sizeBytes))
	return result, nil
}
