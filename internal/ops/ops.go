// Package ops exposes the four accelerator-safe tensor operations: matmul,
// mm, bmm and einsum. Each wrapper checks whether the operands' backend can
// run the operation (accelerators have no complex-number kernels) and, when
// it cannot, reroutes the computation through the host CPU and returns the
// result on the original backend.
package ops

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// ErrNoOperands is returned by Einsum when called without operands.
var ErrNoOperands = errors.New("ops: no operands provided to einsum")

// needsHostFallback reports whether the operation has to run on the host:
// the backend is an accelerator and at least one operand has a complex
// dtype its kernels cannot handle.
func needsHostFallback(b device.Backend, tensors ...device.Tensor) bool {
	if b.Kind() == device.CPU {
		return false
	}
	for _, t := range tensors {
		if t.DType().IsComplex() && !b.Supports(t.DType()) {
			return true
		}
	}
	return false
}

// sameBackend validates that all operands are resident on one backend and
// returns it.
func sameBackend(tensors ...device.Tensor) (device.Backend, error) {
	b := tensors[0].Backend()
	for _, t := range tensors[1:] {
		if t.Backend() != b {
			return nil, fmt.Errorf("%w: %s and %s", device.ErrMixedBackends, b.Name(), t.Backend().Name())
		}
	}
	return b, nil
}

// onBackend copies a tensor onto the target backend, preserving shape and
// dtype. Tensors already resident there are returned as-is.
func onBackend(b device.Backend, t device.Tensor) device.Tensor {
	if t.Backend() == b {
		return t
	}
	if t.DType().IsComplex() {
		return b.NewComplex(t.Shape(), t.DType(), t.Complex128s())
	}
	return b.NewTensor(t.Shape(), t.DType(), t.Float64s())
}

// run dispatches natively when possible, otherwise stages the operands to
// the host, computes there and moves the result back to the original
// backend.
func run(op string, b device.Backend, fallback bool,
	native func(device.Backend) (device.Tensor, error)) (device.Tensor, error) {

	opsTotal.WithLabelValues(op, b.Kind().String()).Inc()

	if !fallback {
		return native(b)
	}

	hostFallbacks.WithLabelValues(op).Inc()
	log.Debug().
		Str("op", op).
		Str("backend", b.Name()).
		Msg("complex operands, rerouting through host")

	res, err := native(device.Host())
	if err != nil {
		return nil, err
	}
	return onBackend(b, res), nil
}

// MatMul is a backend-safe torch-style matrix multiplication: 1-D operands
// are promoted and leading batch dimensions broadcast. Complex operands on
// an accelerator run on the host; the result comes back on the operands'
// backend.
func MatMul(a, b device.Tensor) (device.Tensor, error) {
	be, err := sameBackend(a, b)
	if err != nil {
		return nil, err
	}
	return run("matmul", be, needsHostFallback(be, a, b), func(target device.Backend) (device.Tensor, error) {
		return target.MatMul(onBackend(target, a), onBackend(target, b))
	})
}

// MM is the backend-safe strict 2-D matrix product.
func MM(a, b device.Tensor) (device.Tensor, error) {
	be, err := sameBackend(a, b)
	if err != nil {
		return nil, err
	}
	return run("mm", be, needsHostFallback(be, a, b), func(target device.Backend) (device.Tensor, error) {
		return target.MM(onBackend(target, a), onBackend(target, b))
	})
}

// BMM is the backend-safe strict batched (3-D) matrix product.
func BMM(a, b device.Tensor) (device.Tensor, error) {
	be, err := sameBackend(a, b)
	if err != nil {
		return nil, err
	}
	return run("bmm", be, needsHostFallback(be, a, b), func(target device.Backend) (device.Tensor, error) {
		return target.BMM(onBackend(target, a), onBackend(target, b))
	})
}

// Einsum is the backend-safe Einstein summation. Calling it with no
// operands is an error.
func Einsum(equation string, operands ...device.Tensor) (device.Tensor, error) {
	if len(operands) == 0 {
		return nil, ErrNoOperands
	}
	be, err := sameBackend(operands...)
	if err != nil {
		return nil, err
	}
	return run("einsum", be, needsHostFallback(be, operands...), func(target device.Backend) (device.Tensor, error) {
		staged := make([]device.Tensor, len(operands))
		for i, op := range operands {
			staged[i] = onBackend(target, op)
		}
		return target.Einsum(equation, staged...)
	})
}

// Contract is an alias for Einsum kept for callers that prefer the tensor
// contraction naming.
func Contract(equation string, operands ...device.Tensor) (device.Tensor, error) {
	return Einsum(equation, operands...)
}
