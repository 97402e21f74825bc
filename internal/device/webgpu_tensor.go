package device

import "github.com/openfluke/webgpu/wgpu"

// GPUTensor is a tensor resident in a WebGPU storage buffer. Real dtypes
// hold f32 elements; complex dtypes hold interleaved (re, im) f32 pairs.
type GPUTensor struct {
	backend *WebGPUBackend
	shape   Shape
	dtype   DType
	buf     *wgpu.Buffer
	f32len  int // f32 element count in buf (2x elems for complex)
}

func (t *GPUTensor) Shape() Shape     { return t.shape }
func (t *GPUTensor) DType() DType     { return t.dtype }
func (t *GPUTensor) Backend() Backend { return t.backend }

func (t *GPUTensor) Float64s() []float64 {
	if t.dtype.IsComplex() {
		panic("Float64s called on complex tensor")
	}
	data, err := t.backend.readBuffer(t.buf, t.f32len)
	if err != nil {
		panic("webgpu: readback failed: " + err.Error())
	}
	return widenToF64(data)
}

func (t *GPUTensor) Complex128s() []complex128 {
	if !t.dtype.IsComplex() {
		panic("Complex128s called on real tensor")
	}
	data, err := t.backend.readBuffer(t.buf, t.f32len)
	if err != nil {
		panic("webgpu: readback failed: " + err.Error())
	}
	return deinterleaveComplex(data)
}
